package cac

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/internal/pool"
	"github.com/arloliu/go-ca/internal/util"
	"github.com/arloliu/go-ca/logger"
)

// ExceptionHandler receives exceptions that cannot be attributed to a pending request.
// req is the header of the request the server rejected; ch is nil when the channel is unknown.
type ExceptionHandler func(ch *Channel, err error, req caproto.Header)

// MultiplyDefinedHandler is invoked when a second server answers a search for a channel that is
// already bound to a circuit. The first server is kept.
type MultiplyDefinedHandler func(name string, accepted string, rejected string)

const (
	warnInterval = 5 * time.Second
	warnBurst    = 5

	smallBodySize = 2048
)

// circuitKey identifies a virtual circuit: one per server address and priority.
type circuitKey struct {
	addr     netip.AddrPort
	priority uint8
}

// Context is a Channel Access client context.
//
// It owns the channel and pending I/O tables, the UDP search engine, the beacon table and the
// virtual circuits, and dispatches every response to the request it answers.
type Context struct {
	cfg          *ContextConfig
	ctx          context.Context
	logger       logger.Logger
	warnLogger   *logger.RateLimitedLogger
	clock        clock.Clock
	programStart time.Time

	cbMu sync.Mutex
	mu   sync.Mutex

	channels *xsync.MapOf[uint32, *Channel]
	ios      *xsync.MapOf[uint32, *pendingIO]
	beacons  *beaconTable
	chanIDs  *caproto.IDGenerator
	ioIDs    *caproto.IDGenerator
	bufPool  *pool.BufferPool
	maxBody  int

	// guarded by mu
	circuits map[circuitKey]*circuit
	live     map[*circuit]struct{}
	udp      *searchEngine
	governor *governor
	deferred notifications
	closed   bool

	metrics ContextMetrics
}

// NewContext creates a client context with the given configuration.
//
// The UDP search engine is started by the first CreateChannel.
func NewContext(ctx context.Context, cfg *ContextConfig) (*Context, error) {
	if cfg == nil {
		return nil, ErrContextConfigNil
	}

	maxBody := util.AlignUp8(int(cfg.MaxArrayBytes()))
	smallSize := min(smallBodySize, maxBody)

	c := &Context{
		cfg:        cfg,
		ctx:        ctx,
		logger:     cfg.logger.With("component", "cac"),
		warnLogger: logger.NewRateLimited(cfg.logger.With("component", "cac"), warnInterval, warnBurst),
		clock:      cfg.clock,
		channels:   xsync.NewMapOf[uint32, *Channel](),
		ios:        xsync.NewMapOf[uint32, *pendingIO](),
		beacons:    newBeaconTable(),
		chanIDs:    caproto.NewIDGenerator(),
		ioIDs:      caproto.NewIDGenerator(),
		bufPool:    pool.NewBufferPool(smallSize, maxBody, cfg.smallBufferMax, cfg.largeBufferMax),
		maxBody:    maxBody,
		circuits:   make(map[circuitKey]*circuit),
		live:       make(map[*circuit]struct{}),
	}
	c.programStart = c.clock.Now()
	c.governor = newGovernor(c)

	return c, nil
}

// Config returns the configuration of the context.
func (c *Context) Config() *ContextConfig {
	return c.cfg
}

// Metrics returns the metrics of the context.
func (c *Context) Metrics() *ContextMetrics {
	return &c.metrics
}

// UpdateConfigOptions applies options that can be changed at runtime.
func (c *Context) UpdateConfigOptions(opts ...ContextOption) error {
	for _, opt := range opts {
		optFunc, ok := opt.(*ctxOptFunc)
		if !ok || !optFunc.runtime {
			return ErrRuntimeOption
		}
		if err := opt.apply(c.cfg); err != nil {
			return err
		}
	}

	return nil
}

// CreateChannel creates a channel and starts searching for it.
//
// name must be non-empty and at most 500 bytes; priority is 0..99. The handler is invoked on
// every connect and disconnect and may be nil.
func (c *Context) CreateChannel(name string, priority uint8, handler ConnectionHandler) (*Channel, error) {
	const op = "CreateChannel"

	switch {
	case name == "":
		return nil, caproto.NewOpError(caproto.StatusEmptyStr, op, name)
	case len(name) > caproto.MaxNameLength:
		return nil, caproto.NewOpError(caproto.StatusStrTooBig, op, name[:32]+"...")
	case priority > caproto.MaxPriority:
		return nil, caproto.NewOpError(caproto.StatusBadPriority, op, name)
	}

	g := c.lockPrimary()
	defer g.unlock()

	if c.closed {
		return nil, ErrContextClosed
	}

	if c.udp == nil {
		udp, err := newSearchEngine(c)
		if err != nil {
			return nil, caproto.NewOpError(caproto.StatusSocket, op, err.Error())
		}
		c.udp = udp
		c.udp.start(g)
	}

	ch := &Channel{
		cac:      c,
		id:       c.chanIDs.NextFree(func(id uint32) bool { _, ok := c.channels.Load(id); return ok }),
		name:     name,
		priority: priority,
		onConn:   handler,
		iiu:      noopIIU{},
		ios:      make(map[uint32]*pendingIO),
	}
	c.channels.Store(ch.id, ch)
	c.udp.searchMsg(g, ch)

	c.logger.Debug("channel created", "name", name, "cid", ch.id, "priority", priority)

	return ch, nil
}

// Flush sends every queued request.
func (c *Context) Flush() {
	g := c.lockPrimary()
	circuits := make([]*circuit, 0, len(c.circuits))
	for _, circ := range c.circuits {
		circuits = append(circuits, circ)
	}
	g.unlock()

	for _, circ := range circuits {
		circ.flush()
	}
}

// ContextStats is a snapshot of the context tables.
type ContextStats struct {
	Channels    int
	PendingIO   int
	Circuits    int
	Beacons     int
	Searching   int
	Governed    int
	RTTEstimate time.Duration
}

// Stats returns a snapshot of the context tables.
func (c *Context) Stats() ContextStats {
	g := c.lockPrimary()
	defer g.unlock()

	stats := ContextStats{
		Channels:  c.channels.Size(),
		PendingIO: c.ios.Size(),
		Circuits:  len(c.live),
		Beacons:   c.beacons.size(),
		Governed:  len(c.governor.chans),
	}
	if c.udp != nil {
		stats.Searching = c.udp.channelCount(g)
		stats.RTTEstimate = c.udp.rtte
	}

	return stats
}

// Close shuts the context down: every circuit is aborted, the UDP socket is closed and every
// channel is marked destroyed. Close must not be called from a callback.
func (c *Context) Close() error {
	g := c.lockPrimary()
	if c.closed {
		g.unlock()
		return nil
	}
	c.closed = true

	c.channels.Range(func(_ uint32, ch *Channel) bool {
		ch.destroyed.Store(true)
		return true
	})
	c.governor.stop(g)

	circuits := make([]*circuit, 0, len(c.live))
	for circ := range c.live {
		circuits = append(circuits, circ)
	}
	udp := c.udp
	g.unlock()

	var eg errgroup.Group
	for _, circ := range circuits {
		eg.Go(func() error {
			return circ.closeAndWait(ErrContextClosed)
		})
	}

	var err error
	if udp != nil {
		err = multierr.Append(err, udp.close())
	}
	err = multierr.Append(err, eg.Wait())

	c.channels.Clear()
	c.ios.Clear()

	return err
}

// isClosed reports whether Close was called.
func (c *Context) isClosed(_ primaryGuard) bool {
	return c.closed
}

// transferChanToVirtCircuit binds a channel to the circuit of the server that answered its search.
func (c *Context) transferChanToVirtCircuit(g primaryGuard, cid uint32, addr netip.AddrPort, minor uint16, notes *notifications) {
	ch, ok := c.channels.Load(cid)
	if !ok || ch.destroyed.Load() {
		return
	}

	if ch.iiu.isVirtualCircuit() {
		accepted := ch.iiu.networkAddress()
		if accepted == addr.String() {
			return
		}

		c.metrics.incMultiplyDefinedCount()
		rejected := addr.String()
		handler := c.cfg.multiplyDefinedHandler
		notes.add(func() {
			if handler != nil {
				handler(ch.name, accepted, rejected)
				return
			}
			c.logger.Warn("channel is multiply defined, keep first server",
				"name", ch.name, "accepted", accepted, "rejected", rejected,
				"status", caproto.StatusDblChnl.Message())
		})

		return
	}

	if c.udp == nil || ch.iiu != netIIU(c.udp) {
		return
	}

	c.udp.uninstallChannel(g, ch)

	key := circuitKey{addr: addr, priority: ch.priority}
	circ, ok := c.circuits[key]
	if !ok || !circ.acceptsChannels() {
		circ = newCircuit(c, key, minor)
		c.circuits[key] = circ
		c.live[circ] = struct{}{}
		c.metrics.incCircuitCreatedCount()
		circ.start()
	}

	circ.installChannel(g, ch)
}

// removeCircuit removes circ from the circuit table so new channels go to a new circuit.
func (c *Context) removeCircuit(_ primaryGuard, circ *circuit) {
	if c.circuits[circ.key] == circ {
		delete(c.circuits, circ.key)
	}
}

// onCircuitDisconnect moves the channels of a finished circuit to the disconnect governor.
// It is called exactly once per circuit, after its goroutines returned.
func (c *Context) onCircuitDisconnect(circ *circuit) {
	cb := c.lockCallback()
	defer cb.unlock()

	g := c.lockPrimary()

	var notes notifications

	c.removeCircuit(g, circ)
	delete(c.live, circ)
	c.beacons.detach(circ)

	for _, ch := range circ.drainChannels(g) {
		wasConnected := ch.phase == phaseConnected || (ch.phase == phaseSubscripReq && !circ.unresponsive)
		hadAccess := ch.access != 0

		ch.failOneShotIO(g, caproto.StatusDisconn, &notes)
		ch.resetServerState(g)

		if c.closed {
			ch.iiu = noopIIU{}
			ch.phase = phaseClosed
		} else {
			c.governor.installChannel(g, ch)
		}

		if wasConnected {
			notes.add(ch.connectionNotify(false))
		}
		if hadAccess {
			notes.add(ch.accessRightsNotify(g))
		}
	}

	g.unlock()

	notes.run(cb)
}

// beaconNotify processes a beacon of the server at addr.
func (c *Context) beaconNotify(g primaryGuard, addr netip.AddrPort, beacon caproto.Beacon) {
	c.metrics.incBeaconCount()

	entry := c.beacons.lookupOrCreate(addr)
	verdict, circuits := entry.update(beacon.Seq, c.clock.Now(), beacon.MinorVersion, c.programStart)

	switch verdict {
	case beaconHealthy:
		for _, circ := range circuits {
			circ.recvDog.beaconArrivalNotify()
		}

	case beaconSoftAnomaly:
		c.metrics.incBeaconAnomalyCount()
		for _, circ := range circuits {
			circ.recvDog.beaconAnomalyNotify()
		}

	case beaconHardAnomaly:
		c.metrics.incBeaconAnomalyCount()
		c.logger.Debug("beacon anomaly", "server", addr.String())
		for _, circ := range circuits {
			circ.recvDog.beaconAnomalyNotify()
		}
		if c.udp != nil {
			c.udp.beaconAnomalyNotify(g)
		}

	case beaconFirstSight, beaconDuplicate:
	}
}

// exceptionNotify reports an exception to the context exception handler.
func (c *Context) exceptionNotify(ch *Channel, err error, req caproto.Header) func() {
	handler := c.cfg.exceptionHandler

	return func() {
		if ch != nil && ch.destroyed.Load() {
			return
		}
		if handler != nil {
			handler(ch, err, req)
			return
		}

		name := ""
		if ch != nil {
			name = ch.name
		}
		c.logger.Warn("CA exception", "channel", name, "request", req.Command.String(), "error", err)
	}
}
