// Package task manages the goroutines that drive circuits and the UDP receiver.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ca/logger"
)

// Func is one iteration of a task loop. It returns true to keep running.
type Func func() bool

// PanicFunc is called from the goroutine of a task whose loop panicked, after the panic
// was recovered and before the goroutine exits.
type PanicFunc func(name string, r any)

const startTimeout = 5 * time.Second

// Manager manages the lifecycle of a group of goroutines.
//
// Every task shares the manager's context; Stop cancels it and Wait blocks until all
// tasks returned. After Wait the manager can start new tasks with a fresh context.
//
//	mgr := task.NewManager(ctx, logger)
//	_ = mgr.Start("recvLoop", func() bool {
//	    // ... one receive iteration ...
//	    return true
//	})
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger  logger.Logger
	onPanic atomic.Pointer[PanicFunc]
	count   atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a new Manager with ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the running tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// SetPanicHandler sets the function called when a task loop panics. The owner of the
// manager uses it to tear down whatever the task was driving.
func (mgr *Manager) SetPanicHandler(fn PanicFunc) {
	mgr.onPanic.Store(&fn)
}

// Start starts a goroutine that calls fn until it returns false or the manager is stopped.
func (mgr *Manager) Start(name string, fn Func) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.Context()
	select {
	case <-ctx.Done():
		return fmt.Errorf("task manager already stopped, task %s", name)
	default:
	}

	started := make(chan struct{})

	mgr.taskMu.RLock()
	mgr.wg.Add(1)
	mgr.taskMu.RUnlock()

	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		mgr.runLoop(ctx, name, fn)
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("timeout waiting for %s to start", name)
	}
}

// Stop signals all running tasks to terminate.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.cancel != nil {
		mgr.cancel()
	}
}

// Wait waits for all tasks to terminate and prepares a fresh context for new tasks.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of currently running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) runLoop(ctx context.Context, name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
			if handler := mgr.onPanic.Load(); handler != nil && *handler != nil {
				mgr.callWithRecover(name, func() { (*handler)(name, r) })
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !fn() {
				return
			}
		}
	}
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task panic handler", "name", name, "panic", r)
		}
	}()

	fn()
}
