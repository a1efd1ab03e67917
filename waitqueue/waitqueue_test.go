package waitqueue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beast-69-bot/azmegadownloader/waitqueue"
)

func TestSendSingleRespectsIntervalCap(t *testing.T) {
	t.Parallel()

	wq := waitqueue.New(t.Context(), time.Hour, 2, time.Millisecond)
	defer wq.Close()

	var calls int
	for range 2 {
		err := wq.SendSingle(t.Context(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, calls)

	// Third send exceeds the interval capacity and must block until the
	// context ends.
	done := make(chan error, 1)
	go func() {
		done <- wq.SendSingle(t.Context(), func() error {
			calls++
			return nil
		})
	}()

	select {
	case err := <-done:
		t.Fatalf("expected send to block, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 2, calls)
}

func TestSendManyCountsAgainstCapacity(t *testing.T) {
	t.Parallel()

	wq := waitqueue.New(t.Context(), time.Hour, 5, time.Millisecond)
	defer wq.Close()

	var calls int
	err := wq.SendMany(t.Context(), 5, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
