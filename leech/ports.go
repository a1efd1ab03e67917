// Package leech implements the task engine behind the /leech command: it
// admits requests, tracks every running pipeline in an in-memory registry,
// and drives each task through resolve, download, post-process and upload
// stages with cooperative cancellation.
package leech

import (
	"context"
	"io"
	"time"

	"github.com/samber/lo"
)

type SourceKind uint8

const (
	KindFile SourceKind = iota
	KindFolder
)

func (k SourceKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	default:
		return "unknown"
	}
}

// ManifestItem is one remote node to transfer. Key is opaque per-item
// credential material produced by the resolver and handed back to OpenRead.
type ManifestItem struct {
	ID   string
	Path string
	Size int64
	Key  []byte
}

// Manifest is the ordered listing of a resolved source. Single-file links
// resolve to a one-item manifest and flow through the same pipeline as
// folders.
type Manifest struct {
	Name  string
	Items []ManifestItem
}

func (m *Manifest) TotalSize() int64 {
	return lo.SumBy(m.Items, func(it ManifestItem) int64 { return it.Size })
}

// RemoteSource is the remote content provider the engine downloads from.
type RemoteSource interface {
	// Classify inspects link syntax only. It performs no I/O.
	Classify(link string) (SourceKind, error)
	// List resolves remote metadata into a manifest. A cancellation observed
	// mid-listing aborts the whole call, no partial manifest is returned.
	List(ctx context.Context, link string) (*Manifest, error)
	// OpenRead opens a plaintext byte stream for one manifest item.
	OpenRead(ctx context.Context, link string, item ManifestItem) (io.ReadCloser, error)
}

type MessageRef struct {
	ChatID int64
	MsgID  int
}

type SendFileRequest struct {
	Path      string
	FileName  string
	Caption   string
	ThumbPath string
	Size      int64
	TopicID   int
	// Progress, when non-nil, receives cumulative uploaded byte counts.
	Progress func(sent int64)
}

// Delivery pushes files and status edits into the destination chat.
type Delivery interface {
	SendFile(ctx context.Context, chatID int64, req SendFileRequest) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

type Entitlement struct {
	Banned        bool
	Premium       bool
	PremiumExpiry time.Time
	Admin         bool
}

func (e Entitlement) PremiumActive(now time.Time) bool {
	return e.Premium && now.Before(e.PremiumExpiry)
}

// Entitlements is consulted once per admission. The engine never mutates it.
type Entitlements interface {
	Lookup(ctx context.Context, ownerID int64) (Entitlement, error)
}

// Quota tracks free-tier task consumption per owner per day.
type Quota interface {
	Used(ctx context.Context, ownerID int64, day string) (int, error)
	Consume(ctx context.Context, ownerID int64, day string) error
}

// SettingsSnapshot is an immutable copy of the owner's preferences taken at
// admission time. In-flight tasks never observe later settings changes.
type SettingsSnapshot struct {
	TopicID   int
	SplitSize int64
	Prefix    string
	Suffix    string
	Caption   string
	ThumbPath string
}

type Settings interface {
	Get(ctx context.Context, ownerID int64) (SettingsSnapshot, error)
}
