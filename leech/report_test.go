package leech_test

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beast-69-bot/azmegadownloader/leech"
)

func TestReporterThrottlesByIntervalAndDelta(t *testing.T) {
	t.Parallel()

	r := leech.NewReporter(time.Hour, 1000, zerolog.Nop())
	ch, unsubscribe := r.Subscribe("t1")
	defer unsubscribe()

	// First sample always passes (state mark initialization emits it via the
	// interval check against the zero time).
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading, Bytes: 10})
	require.Len(t, ch, 1)
	<-ch

	// Below both thresholds: suppressed.
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading, Bytes: 20})
	require.Empty(t, ch)

	// Byte delta crossed: emitted.
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading, Bytes: 1500})
	require.Len(t, ch, 1)
	got := <-ch
	require.EqualValues(t, 1500, got.Bytes)
}

func TestReporterAlwaysEmitsStateChanges(t *testing.T) {
	t.Parallel()

	r := leech.NewReporter(time.Hour, 1<<40, zerolog.Nop())
	ch, unsubscribe := r.Subscribe("t1")
	defer unsubscribe()

	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateResolving})
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading})
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateProcessing})

	require.Len(t, ch, 3)
	require.Equal(t, leech.StateResolving, (<-ch).State)
	require.Equal(t, leech.StateDownloading, (<-ch).State)
	require.Equal(t, leech.StateProcessing, (<-ch).State)
}

func TestReporterTerminalSampleClosesChannel(t *testing.T) {
	t.Parallel()

	r := leech.NewReporter(time.Hour, 1<<40, zerolog.Nop())
	ch, _ := r.Subscribe("t1")

	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateCompleted, Done: true})

	got, ok := <-ch
	require.True(t, ok)
	require.True(t, got.Done)
	require.Equal(t, leech.StateCompleted, got.State)

	_, ok = <-ch
	require.False(t, ok, "channel must be closed after the terminal sample")
}

func TestReporterTerminalDeliveryToSlowSubscriber(t *testing.T) {
	t.Parallel()

	r := leech.NewReporter(0, 0, zerolog.Nop())
	ch, _ := r.Subscribe("t1")

	// Saturate the subscriber's buffer without draining.
	for i := range 32 {
		r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading, Bytes: int64(i)})
	}
	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateFailed, Done: true, ErrorKind: "TransientNetwork"})

	var sawTerminal bool
	for s := range ch {
		if s.Done {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal, "terminal sample must reach even a saturated subscriber")
}

func TestReporterUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	r := leech.NewReporter(0, 0, zerolog.Nop())
	ch, unsubscribe := r.Subscribe("t1")
	unsubscribe()

	r.Publish(leech.Sample{TaskID: "t1", State: leech.StateDownloading, Bytes: 1})
	_, ok := <-ch
	require.False(t, ok)
}

func TestFormatSampleTerminalStates(t *testing.T) {
	t.Parallel()

	done := leech.FormatSample(leech.Sample{TaskID: "ab12", State: leech.StateCompleted, Done: true, ItemCount: 3, Bytes: 1 << 20})
	require.Contains(t, done, "ab12")
	require.Contains(t, done, "completed")
	require.Contains(t, done, "3 item(s)")

	cancelled := leech.FormatSample(leech.Sample{TaskID: "ab12", State: leech.StateCancelled, Done: true})
	require.Contains(t, cancelled, "cancelled")

	failed := leech.FormatSample(leech.Sample{TaskID: "ab12", State: leech.StateFailed, Done: true, ErrorKind: "QuotaExceeded"})
	require.Contains(t, failed, "QuotaExceeded")
	require.NotContains(t, failed, "sql", "failure text must not leak internals")
}

func TestFormatSampleProgress(t *testing.T) {
	t.Parallel()

	s := leech.Sample{
		TaskID:    "ab12",
		State:     leech.StateDownloading,
		ItemName:  "movies/one.mkv",
		ItemIndex: 1,
		ItemCount: 4,
		Bytes:     512 << 20,
		Total:     1 << 30,
		Speed:     64 << 20,
	}
	text := leech.FormatSample(s)
	require.Contains(t, text, "Downloading")
	require.Contains(t, text, "movies/one.mkv (2/4)")
	require.Contains(t, text, "50.0%")
	require.True(t, strings.Contains(text, "ETA"))
}
