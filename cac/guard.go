package cac

// The client context has two mutexes: the callback mutex, held while an application
// callback runs, and the primary mutex protecting the registries and per-circuit state.
// When both are needed the callback mutex is acquired first.
//
// Functions that require a mutex to be held take the matching guard as an argument. A guard
// can only be obtained by locking, so the requirement is visible in every signature.

// primaryGuard proves that the primary mutex is held.
type primaryGuard struct {
	cac *Context
}

// callbackGuard proves that the callback mutex is held.
type callbackGuard struct {
	cac *Context
}

func (c *Context) lockPrimary() primaryGuard {
	c.mu.Lock()
	return primaryGuard{cac: c}
}

func (g primaryGuard) unlock() {
	g.cac.mu.Unlock()
}

func (c *Context) lockCallback() callbackGuard {
	c.cbMu.Lock()
	return callbackGuard{cac: c}
}

// unlock releases the callback mutex after running the callbacks deferred while it was held.
// The primary mutex must not be held.
func (g callbackGuard) unlock() {
	c := g.cac
	for {
		c.mu.Lock()
		pending := c.deferred
		c.deferred = nil
		c.mu.Unlock()

		if len(pending) > 0 {
			pending.run(g)
			continue
		}

		c.cbMu.Unlock()

		// a callback may have been deferred after the queue was found empty
		c.mu.Lock()
		more := len(c.deferred) > 0
		c.mu.Unlock()
		if !more || !c.cbMu.TryLock() {
			return
		}
	}
}

// deferCallback queues fn to run under the callback mutex. API calls made from inside an
// application callback use it since the callback mutex is already held by their goroutine.
// runDeferred must be called once the primary mutex is released.
func (c *Context) deferCallback(_ primaryGuard, fn func()) {
	c.deferred.add(fn)
}

// runDeferred runs the deferred callbacks when no callback is in progress. Otherwise the
// goroutine holding the callback mutex runs them before releasing it.
func (c *Context) runDeferred() {
	if c.cbMu.TryLock() {
		callbackGuard{cac: c}.unlock()
	}
}

// notifications collects application callbacks produced while the primary mutex is held.
// They run after it is released, still under the callback mutex.
type notifications []func()

func (n *notifications) add(fn func()) {
	*n = append(*n, fn)
}

func (n notifications) run(_ callbackGuard) {
	for _, fn := range n {
		fn()
	}
}
