package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitWake blocks until progress is closed or the wake period elapses, the way a blocked
// sender waits for room in the send queue.
func waitWake(progress <-chan struct{}, wake time.Duration) bool {
	timer := GetTimer(wake)
	defer PutTimer(timer)

	select {
	case <-progress:
		return true
	case <-timer.C:
		return false
	}
}

func TestTimerPool(t *testing.T) {
	require := require.New(t)

	t.Run("Wake period elapses", func(t *testing.T) {
		begin := time.Now()
		require.False(waitWake(make(chan struct{}), 30*time.Millisecond))
		require.GreaterOrEqual(time.Since(begin), 25*time.Millisecond)
	})

	t.Run("Progress before wake", func(t *testing.T) {
		progress := make(chan struct{})
		go func() {
			time.Sleep(10 * time.Millisecond)
			close(progress)
		}()

		require.True(waitWake(progress, time.Second))
	})

	t.Run("Reused timer has no stale tick", func(t *testing.T) {
		timer := GetTimer(time.Millisecond)
		time.Sleep(20 * time.Millisecond) // the tick is pending in the channel
		PutTimer(timer)

		begin := time.Now()
		reused := GetTimer(50 * time.Millisecond)
		fired := <-reused.C
		require.GreaterOrEqual(fired.Sub(begin), 40*time.Millisecond)
		PutTimer(reused)
	})

	t.Run("Put active timer", func(t *testing.T) {
		timer := GetTimer(20 * time.Millisecond)
		PutTimer(timer)

		reused := GetTimer(time.Second)
		select {
		case <-reused.C:
			t.Error("timer fired before its period")
		case <-time.After(60 * time.Millisecond):
		}
		PutTimer(reused)
	})

	t.Run("Concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				waitWake(nil, 5*time.Millisecond)
			}()
		}
		wg.Wait()
	})
}
