package cac

import (
	"time"

	"github.com/benbjohnson/clock"
)

// timerSlot is a restartable one-shot timer.
//
// Expiry callbacks receive the generation they were armed with. The owner checks it with
// isCurrent under its own mutex, so a callback that lost the race against stop or start
// does nothing. timerSlot itself is not goroutine-safe.
type timerSlot struct {
	clk   clock.Clock
	timer *clock.Timer
	gen   uint64
}

func (s *timerSlot) start(d time.Duration, fn func(gen uint64)) {
	s.stop()
	s.gen++
	gen := s.gen
	s.timer = s.clk.AfterFunc(d, func() { fn(gen) })
}

func (s *timerSlot) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// isCurrent reports whether gen is the generation of the armed timer.
func (s *timerSlot) isCurrent(gen uint64) bool {
	return s.timer != nil && s.gen == gen
}

// expired marks the armed timer as fired.
func (s *timerSlot) expired() {
	s.timer = nil
}

func (s *timerSlot) active() bool {
	return s.timer != nil
}
