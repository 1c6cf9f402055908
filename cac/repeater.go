package cac

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/arloliu/go-ca/caproto"
)

const (
	repeaterRetryInterval    = time.Second
	repeaterMaxRetryInterval = 30 * time.Second
)

var loopbackAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// repeaterRegistration registers the search socket with the local CA repeater, which forwards
// the beacons it receives. Registration is retried until the repeater confirms it.
type repeaterRegistration struct {
	engine *searchEngine
	slot   timerSlot

	// guarded by the primary mutex
	attempts  int
	interval  time.Duration
	confirmed bool
	warned    bool
}

func newRepeaterRegistration(s *searchEngine) *repeaterRegistration {
	return &repeaterRegistration{
		engine:   s,
		slot:     timerSlot{clk: s.cac.clock},
		interval: repeaterRetryInterval,
	}
}

func (r *repeaterRegistration) start(_ primaryGuard) {
	r.slot.start(0, r.expire)
}

func (r *repeaterRegistration) stop(_ primaryGuard) {
	r.slot.stop()
}

// confirm stops the registration retries.
func (r *repeaterRegistration) confirm(_ primaryGuard) {
	if !r.confirmed {
		r.engine.logger.Debug("repeater registration confirmed", "attempts", r.attempts)
	}
	r.confirmed = true
	r.slot.stop()
}

func (r *repeaterRegistration) expire(gen uint64) {
	g := r.engine.cac.lockPrimary()
	defer g.unlock()

	if !r.slot.isCurrent(gen) {
		return
	}
	r.slot.expired()

	if r.confirmed {
		return
	}

	cfg := r.engine.cac.cfg
	if r.attempts >= cfg.repeaterWarnAttempts {
		if !r.warned {
			r.warned = true
			r.engine.logger.Warn("repeater did not confirm registration",
				"attempts", r.attempts, "port", cfg.RepeaterPort())
		}
		r.interval = min(2*r.interval, repeaterMaxRetryInterval)
	}
	r.attempts++

	dest := netip.AddrPortFrom(loopbackAddr, uint16(cfg.RepeaterPort())) //nolint:gosec
	msg := caproto.NewRepeaterRegisterRequest(binary.BigEndian.Uint32(loopbackAddr.AsSlice()))
	if err := r.engine.sendTo(msg, dest); err != nil {
		r.engine.cac.warnLogger.Warn("failed to register with repeater", "dest", dest.String(), "error", err)
	}

	r.slot.start(r.interval, r.expire)
}
