package leech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xeptore/flaw/v8"
)

type State uint8

const (
	StateQueued State = iota
	StateResolving
	StateDownloading
	StateProcessing
	StateUploading
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateResolving:
		return "Resolving"
	case StateDownloading:
		return "Downloading"
	case StateProcessing:
		return "Processing"
	case StateUploading:
		return "Uploading"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// validTransition enforces the forward chain
// Queued -> Resolving -> Downloading -> Processing -> Uploading -> Completed,
// with Cancelled and Failed reachable from any non-terminal state. No
// transition skips a forward state and terminal states are final.
func validTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	default:
		return to == from+1
	}
}

type Progress struct {
	Stage     State
	ItemName  string
	ItemIndex int
	ItemCount int
	Bytes     int64
	Total     int64
}

// Task is the unit of work. The registry exclusively owns task records,
// pipeline stages and concurrent /cancel or /status callers go through the
// task's own mutex, which is never held across blocking I/O.
type Task struct {
	ID        string
	Owner     int64
	ChatID    int64
	Link      string
	Kind      SourceKind
	Settings  SettingsSnapshot
	CreatedAt time.Time

	cancel context.CancelCauseFunc

	mu         sync.Mutex
	state      State
	progress   Progress
	errorKind  string
	terminalAt time.Time
	manifest   *Manifest
	itemDone   []bool
	uploaded   int
}

func (t *Task) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransition(t.state, to) {
		return fmt.Errorf("invalid task state transition %s -> %s", t.state, to)
	}
	t.state = to
	t.progress.Stage = to
	if to.Terminal() {
		t.terminalAt = time.Now()
	}
	return nil
}

func (t *Task) setManifest(m *Manifest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifest = m
	t.itemDone = make([]bool, len(m.Items))
	t.progress.ItemCount = len(m.Items)
	t.progress.Total = m.TotalSize()
}

func (t *Task) markItemDone(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.itemDone[idx] = true
}

func (t *Task) markUploaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploaded++
}

// updateProgress advances the task's byte counters. Samples that would move
// a stage's byte count backwards are dropped so observers always see
// non-decreasing progress per stage.
func (t *Task) updateProgress(itemName string, itemIndex int, bytes, total int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if itemIndex == t.progress.ItemIndex && itemName == t.progress.ItemName && bytes < t.progress.Bytes {
		return false
	}
	t.progress.ItemName = itemName
	t.progress.ItemIndex = itemIndex
	t.progress.Bytes = bytes
	if total > 0 {
		t.progress.Total = total
	}
	return true
}

func (t *Task) setErrorKind(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorKind = kind
}

func (t *Task) flawP() flaw.P {
	return flaw.P{
		"id":         t.ID,
		"owner":      t.Owner,
		"link":       t.Link,
		"kind":       t.Kind.String(),
		"created_at": t.CreatedAt,
	}
}

// Snapshot is a read-only copy of a task's observable state.
type Snapshot struct {
	ID         string
	Owner      int64
	ChatID     int64
	Link       string
	Kind       SourceKind
	State      State
	Progress   Progress
	ErrorKind  string
	Uploaded   int
	CreatedAt  time.Time
	TerminalAt time.Time
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:         t.ID,
		Owner:      t.Owner,
		ChatID:     t.ChatID,
		Link:       t.Link,
		Kind:       t.Kind,
		State:      t.state,
		Progress:   t.progress,
		ErrorKind:  t.errorKind,
		Uploaded:   t.uploaded,
		CreatedAt:  t.CreatedAt,
		TerminalAt: t.terminalAt,
	}
}
