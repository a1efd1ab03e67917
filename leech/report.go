package leech

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Sample is one progress observation delivered to subscribers of a task.
// Terminal samples carry Done=true and the final state.
type Sample struct {
	TaskID    string
	State     State
	ItemName  string
	ItemIndex int
	ItemCount int
	Bytes     int64
	Total     int64
	Speed     float64
	Done      bool
	ErrorKind string
}

type taskMark struct {
	lastEmit  time.Time
	lastBytes int64
	lastState State
	startedAt time.Time
}

// Reporter throttles progress samples before they reach subscribers: a
// sample passes when the stage changed, the task terminated, the minimum
// interval elapsed, or the byte delta threshold was crossed, whichever
// happens first.
type Reporter struct {
	mu        sync.Mutex
	subs      map[string][]chan Sample
	marks     map[string]*taskMark
	interval  time.Duration
	byteDelta int64
	logger    zerolog.Logger
}

func NewReporter(interval time.Duration, byteDelta int64, logger zerolog.Logger) *Reporter {
	return &Reporter{
		mu:        sync.Mutex{},
		subs:      make(map[string][]chan Sample),
		marks:     make(map[string]*taskMark),
		interval:  interval,
		byteDelta: byteDelta,
		logger:    logger.With().Str("module", "reporter").Logger(),
	}
}

// Subscribe registers a progress channel for the task. The channel is closed
// after the terminal sample. The returned func unsubscribes early.
func (r *Reporter) Subscribe(taskID string) (<-chan Sample, func()) {
	ch := make(chan Sample, 16)

	r.mu.Lock()
	r.subs[taskID] = append(r.subs[taskID], ch)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		chans := r.subs[taskID]
		for i, c := range chans {
			if c == ch {
				r.subs[taskID] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Publish feeds one observation into the throttle. Slow subscribers lose
// intermediate samples, never the terminal one.
func (r *Reporter) Publish(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mark, ok := r.marks[s.TaskID]
	if !ok {
		mark = &taskMark{lastEmit: time.Time{}, lastBytes: 0, lastState: s.State, startedAt: time.Now()}
		r.marks[s.TaskID] = mark
	}

	now := time.Now()
	stateChanged := s.State != mark.lastState
	if !s.Done && !stateChanged {
		intervalDue := now.Sub(mark.lastEmit) >= r.interval
		deltaDue := s.Bytes-mark.lastBytes >= r.byteDelta
		if !intervalDue && !deltaDue {
			return
		}
	}

	if elapsed := now.Sub(mark.startedAt).Seconds(); elapsed > 0 {
		s.Speed = float64(s.Bytes) / elapsed
	}
	mark.lastEmit = now
	mark.lastBytes = s.Bytes
	mark.lastState = s.State

	for _, ch := range r.subs[s.TaskID] {
		select {
		case ch <- s:
		default:
			if s.Done {
				// Drain one stale sample to guarantee terminal delivery.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- s:
				default:
				}
			}
		}
	}

	if s.Done {
		for _, ch := range r.subs[s.TaskID] {
			close(ch)
		}
		delete(r.subs, s.TaskID)
		delete(r.marks, s.TaskID)
	}
}

// SampleFromSnapshot converts a registry snapshot into the equivalent
// progress sample.
func SampleFromSnapshot(snap Snapshot) Sample {
	return Sample{
		TaskID:    snap.ID,
		State:     snap.State,
		ItemName:  snap.Progress.ItemName,
		ItemIndex: snap.Progress.ItemIndex,
		ItemCount: snap.Progress.ItemCount,
		Bytes:     snap.Progress.Bytes,
		Total:     snap.Progress.Total,
		Done:      snap.State.Terminal(),
		ErrorKind: snap.ErrorKind,
	}
}

// FormatSample renders a sample into the status text shown to the
// requester.
func FormatSample(s Sample) string {
	if s.Done {
		switch s.State {
		case StateCompleted:
			return fmt.Sprintf("Task %s completed: %d item(s), %s uploaded.", s.TaskID, s.ItemCount, humanize.IBytes(uint64(max(s.Bytes, 0))))
		case StateCancelled:
			return fmt.Sprintf("Task %s cancelled.", s.TaskID)
		default:
			return fmt.Sprintf("Task %s failed: %s.", s.TaskID, s.ErrorKind)
		}
	}

	header := fmt.Sprintf("Task %s | %s", s.TaskID, s.State)
	if s.ItemName != "" && s.ItemCount > 1 {
		header += fmt.Sprintf("\n%s (%d/%d)", s.ItemName, s.ItemIndex+1, s.ItemCount)
	} else if s.ItemName != "" {
		header += "\n" + s.ItemName
	}

	var percent string
	if s.Total > 0 {
		percent = fmt.Sprintf(" (%.1f%%)", float64(s.Bytes)/float64(s.Total)*100)
	}
	return fmt.Sprintf(
		"%s\n- Done: %s / %s%s\n- Speed: %s/s\n- ETA: %s",
		header,
		humanize.IBytes(uint64(max(s.Bytes, 0))),
		humanize.IBytes(uint64(max(s.Total, 0))),
		percent,
		humanize.IBytes(uint64(max(int64(s.Speed), 0))),
		formatETA(s.Bytes, s.Total, s.Speed),
	)
}

func formatETA(done, total int64, speed float64) string {
	if speed <= 0 || total <= 0 || done >= total {
		return "--"
	}
	remaining := time.Duration(float64(total-done)/speed) * time.Second
	return remaining.Round(time.Second).String()
}
