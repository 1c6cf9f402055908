package cac

import (
	"sync"
)

// recvWatchdog detects a silent server.
//
// It is restarted by every inbound message and by healthy beacons. On the first expiry it
// asks for an echo and waits echoTimeout; when that expires too the circuit is declared
// unresponsive. The socket is not closed: the next inbound message restores the circuit.
type recvWatchdog struct {
	circ *circuit

	mu           sync.Mutex
	slot         timerSlot
	probePending bool
	responsive   bool
	stopped      bool
}

func newRecvWatchdog(circ *circuit) *recvWatchdog {
	return &recvWatchdog{
		circ:       circ,
		slot:       timerSlot{clk: circ.cac.clock},
		responsive: true,
	}
}

func (w *recvWatchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped {
		w.slot.start(w.circ.cac.cfg.ConnTimeout(), w.expire)
	}
}

func (w *recvWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.slot.stop()
}

// messageArrivalNotify restarts the watchdog and restores an unresponsive circuit.
// It is called by the receiver task without any context mutex held.
func (w *recvWatchdog) messageArrivalNotify() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	restored := !w.responsive
	w.responsive = true
	w.probePending = false
	w.slot.start(w.circ.cac.cfg.ConnTimeout(), w.expire)
	w.mu.Unlock()

	if restored {
		w.circ.responsiveCircuitNotify()
	}
}

// beaconArrivalNotify restarts the watchdog unless a probe is outstanding.
func (w *recvWatchdog) beaconArrivalNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped && !w.probePending {
		w.slot.start(w.circ.cac.cfg.ConnTimeout(), w.expire)
	}
}

// beaconAnomalyNotify probes the server now unless a probe is outstanding.
func (w *recvWatchdog) beaconAnomalyNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped && !w.probePending {
		w.slot.start(0, w.expire)
	}
}

// sendBacklogProgressNotify extends the echo wait while the send side is still draining.
func (w *recvWatchdog) sendBacklogProgressNotify() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.stopped && w.probePending {
		w.slot.start(w.circ.cac.cfg.EchoTimeout(), w.expire)
	}
}

func (w *recvWatchdog) expire(gen uint64) {
	w.mu.Lock()
	if w.stopped || !w.slot.isCurrent(gen) {
		w.mu.Unlock()
		return
	}
	w.slot.expired()

	if w.circ.stateMgr.State() == CircuitCleanShutdown {
		w.mu.Unlock()
		w.circ.shutdown(ErrCleanShutdownTimeout, true)

		return
	}

	if !w.probePending {
		w.probePending = true
		w.slot.start(w.circ.cac.cfg.EchoTimeout(), w.expire)
		w.mu.Unlock()
		w.circ.requestEcho()

		return
	}

	w.probePending = false
	wasResponsive := w.responsive
	w.responsive = false
	w.mu.Unlock()

	if wasResponsive {
		w.circ.unresponsiveCircuitNotify()
	}
}

// sendWatchdog aborts a circuit whose socket write does not complete within the
// connection timeout.
type sendWatchdog struct {
	circ *circuit

	mu   sync.Mutex
	slot timerSlot
}

func newSendWatchdog(circ *circuit) *sendWatchdog {
	return &sendWatchdog{
		circ: circ,
		slot: timerSlot{clk: circ.cac.clock},
	}
}

func (w *sendWatchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.slot.start(w.circ.cac.cfg.ConnTimeout(), w.expire)
}

func (w *sendWatchdog) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.slot.stop()
}

func (w *sendWatchdog) expire(gen uint64) {
	w.mu.Lock()
	if !w.slot.isCurrent(gen) {
		w.mu.Unlock()
		return
	}
	w.slot.expired()
	w.mu.Unlock()

	w.circ.logger.Warn("send watchdog expired", "method", "sendWatchdog")
	w.circ.shutdown(ErrSendTimeout, true)
}
