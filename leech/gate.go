package leech

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/errutil"
)

// QuotaDay is the rolling-day bucket key used for free-tier accounting.
func QuotaDay(now time.Time) string {
	return now.UTC().Format(time.DateOnly)
}

// Admit gates a new request. Checks run in a fixed order: ban, link syntax,
// quota/premium. A request passing all checks always produces a registry
// entry. When the global or per-owner concurrency limit is saturated the
// task starts out Queued instead of being rejected, and its pipeline begins
// once a slot frees.
//
// Admission performs no I/O against the remote source.
func (e *Engine) Admit(ctx context.Context, ownerID, chatID int64, link string) (string, error) {
	ent, err := e.entitlements.Lookup(ctx, ownerID)
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to look up owner entitlement: %v", err)).Append(flawP)
	}
	if ent.Banned {
		return "", &ForbiddenError{Reason: "owner is banned"}
	}

	kind, err := e.remote.Classify(link)
	if nil != err {
		return "", &InvalidLinkError{Link: link, Err: err}
	}

	now := time.Now()
	if !ent.PremiumActive(now) {
		used, err := e.quota.Used(ctx, ownerID, QuotaDay(now))
		if nil != err {
			if errutil.IsContext(ctx) {
				return "", ctx.Err()
			}
			flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
			return "", flaw.From(fmt.Errorf("failed to read quota usage: %v", err)).Append(flawP)
		}
		if used >= e.limits.FreeDailyQuota {
			return "", &QuotaExceededError{Limit: e.limits.FreeDailyQuota}
		}
		if err := e.quota.Consume(ctx, ownerID, QuotaDay(now)); nil != err {
			if errutil.IsContext(ctx) {
				return "", ctx.Err()
			}
			flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
			return "", flaw.From(fmt.Errorf("failed to consume quota: %v", err)).Append(flawP)
		}
	}

	settings, err := e.settings.Get(ctx, ownerID)
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP := flaw.P{"owner_id": ownerID, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to snapshot owner settings: %v", err)).Append(flawP)
	}

	taskCtx, cancel := context.WithCancelCause(e.ctx)
	t := &Task{
		ID:        newTaskID(),
		Owner:     ownerID,
		ChatID:    chatID,
		Link:      link,
		Kind:      kind,
		Settings:  settings,
		CreatedAt: now,
		cancel:    cancel,
	}
	e.registry.add(t)
	e.logger.Info().Str("task_id", t.ID).Int64("owner", ownerID).Str("kind", kind.String()).Msg("Task admitted")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(taskCtx, t)
	}()
	return t.ID, nil
}

// newTaskID derives a short, shareable identifier from a random UUID.
func newTaskID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// acquireSlots blocks until both the global and the owner's concurrency
// slots are available, or the task is cancelled while still Queued.
func (e *Engine) acquireSlots(ctx context.Context, t *Task) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	owner := e.ownerSlot(t.Owner)
	select {
	case owner <- struct{}{}:
		return nil
	case <-ctx.Done():
		<-e.slots
		return ctx.Err()
	}
}

func (e *Engine) releaseSlots(ownerID int64) {
	<-e.ownerSlot(ownerID)
	<-e.slots
}

func (e *Engine) ownerSlot(ownerID int64) chan struct{} {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	ch, ok := e.ownerSlots[ownerID]
	if !ok {
		ch = make(chan struct{}, e.limits.PerOwnerTasks)
		e.ownerSlots[ownerID] = ch
	}
	return ch
}
