package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/karlseguin/ccache/v3"

	"github.com/beast-69-bot/azmegadownloader/leech"
)

var (
	DefaultEntitlementTTL   = 1 * time.Minute
	DefaultUploadedThumbTTL = 1 * time.Hour
)

type Cache struct {
	Entitlements   EntitlementsCache
	UploadedThumbs UploadedThumbsCache
}

func New() *Cache {
	entitlementsCache := ccache.New(
		ccache.Configure[leech.Entitlement]().
			MaxSize(1000).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	uploadedThumbsCache := ccache.New(
		ccache.Configure[tg.InputFileClass]().
			MaxSize(100).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		Entitlements: EntitlementsCache{
			c:   entitlementsCache,
			mux: sync.Mutex{},
		},
		UploadedThumbs: UploadedThumbsCache{
			c:   uploadedThumbsCache,
			mux: sync.Mutex{},
		},
	}
}

type UploadedThumbsCache struct {
	c   *ccache.Cache[tg.InputFileClass]
	mux sync.Mutex
}

func (c *UploadedThumbsCache) Fetch(k string, ttl time.Duration, fetch func() (tg.InputFileClass, error)) (*ccache.Item[tg.InputFileClass], error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.c.Fetch(k, ttl, fetch)
}

func (c *UploadedThumbsCache) Delete(k string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Delete(k)
}

type EntitlementsCache struct {
	c   *ccache.Cache[leech.Entitlement]
	mux sync.Mutex
}

func (c *EntitlementsCache) Fetch(k string, ttl time.Duration, fetch func() (leech.Entitlement, error)) (*ccache.Item[leech.Entitlement], error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.c.Fetch(k, ttl, fetch)
}

func (c *EntitlementsCache) Delete(k string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Delete(k)
}

// Invalidate drops a user's cached entitlement so the next lookup sees the
// store's current record.
func (c *EntitlementsCache) Invalidate(ownerID int64) {
	c.Delete(entitlementKey(ownerID))
}

// WrapEntitlements puts a short-lived cache in front of an entitlement
// lookup so per-message admission checks do not hit the store every time.
// Invalidate must be called whenever an admin mutates a user's record.
func WrapEntitlements(inner leech.Entitlements, c *EntitlementsCache) leech.Entitlements {
	return &cachedEntitlements{inner: inner, cache: c}
}

type cachedEntitlements struct {
	inner leech.Entitlements
	cache *EntitlementsCache
}

func (e *cachedEntitlements) Lookup(ctx context.Context, ownerID int64) (leech.Entitlement, error) {
	item, err := e.cache.Fetch(entitlementKey(ownerID), DefaultEntitlementTTL, func() (leech.Entitlement, error) {
		return e.inner.Lookup(ctx, ownerID)
	})
	if nil != err {
		return leech.Entitlement{}, err
	}
	return item.Value(), nil
}

func entitlementKey(ownerID int64) string {
	return "entitlement:" + strconv.FormatInt(ownerID, 10)
}
