package cac

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ca/logger"
)

// CircuitState represents the stages of a virtual circuit.
type CircuitState uint32

// Virtual circuit states.
const (
	// CircuitConnecting indicates that the TCP connection is being established.
	CircuitConnecting CircuitState = iota
	// CircuitConnected indicates that the handshake was sent and requests flow.
	CircuitConnected
	// CircuitCleanShutdown indicates that the send queue is being drained before the write side is closed.
	CircuitCleanShutdown
	// CircuitAbortShutdown indicates that the socket is being closed without draining.
	CircuitAbortShutdown
	// CircuitDisconnected indicates that both loops returned and the channels were handed back.
	CircuitDisconnected
)

// String returns string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitConnecting:
		return "connecting"
	case CircuitConnected:
		return "connected"
	case CircuitCleanShutdown:
		return "clean-shutdown"
	case CircuitAbortShutdown:
		return "abort-shutdown"
	case CircuitDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// acceptsChannels reports whether channels can still be installed on a circuit in this state.
func (s CircuitState) acceptsChannels() bool {
	return s == CircuitConnecting || s == CircuitConnected
}

// circuitStateHandler is invoked on every state change, with the state manager mutex held.
type circuitStateHandler func(prevState CircuitState, newState CircuitState)

// circuitStateMgr manages the state of a virtual circuit.
//
// Transitions are validated; a transition to the current state is a no-op. Handlers are
// invoked synchronously.
type circuitStateMgr struct {
	mu       sync.Mutex
	state    atomic.Uint32
	logger   logger.Logger
	handlers []circuitStateHandler
}

func newCircuitStateMgr(l logger.Logger, handlers ...circuitStateHandler) *circuitStateMgr {
	mgr := &circuitStateMgr{
		logger:   l,
		handlers: handlers,
	}
	mgr.state.Store(uint32(CircuitConnecting))

	return mgr
}

// State returns the current circuit state.
func (sm *circuitStateMgr) State() CircuitState {
	return CircuitState(sm.state.Load())
}

// toConnected is only allowed from CircuitConnecting.
func (sm *circuitStateMgr) toConnected() error {
	return sm.transition(CircuitConnected, CircuitConnecting)
}

// toCleanShutdown is allowed while the circuit is connecting or connected.
func (sm *circuitStateMgr) toCleanShutdown() error {
	return sm.transition(CircuitCleanShutdown, CircuitConnecting, CircuitConnected)
}

// toAbortShutdown is allowed from every state but CircuitDisconnected.
func (sm *circuitStateMgr) toAbortShutdown() error {
	return sm.transition(CircuitAbortShutdown, CircuitConnecting, CircuitConnected, CircuitCleanShutdown)
}

// toDisconnected is allowed from every state and is terminal.
func (sm *circuitStateMgr) toDisconnected() {
	_ = sm.transition(CircuitDisconnected,
		CircuitConnecting, CircuitConnected, CircuitCleanShutdown, CircuitAbortShutdown)
}

func (sm *circuitStateMgr) transition(newState CircuitState, from ...CircuitState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	curState := sm.State()
	if curState == newState {
		return nil
	}

	allowed := false
	for _, s := range from {
		if s == curState {
			allowed = true
			break
		}
	}
	if !allowed {
		sm.logger.Debug("reject circuit state transition", "cur_state", curState, "new_state", newState)
		return ErrInvalidTransition
	}

	sm.state.Store(uint32(newState))
	for _, handler := range sm.handlers {
		handler(curState, newState)
	}

	return nil
}
