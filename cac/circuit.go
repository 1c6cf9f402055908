package cac

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/internal/pool"
	"github.com/arloliu/go-ca/internal/queue"
	"github.com/arloliu/go-ca/internal/task"
	"github.com/arloliu/go-ca/logger"
)

const (
	tcpKeepAlive = 30 * time.Second
	// outBufRetain is the largest send buffer kept for reuse between flushes.
	outBufRetain = 1 << 20
)

// circuit is a TCP virtual circuit to one CA server at one priority.
//
// A connect task dials and sends the handshake, then a sender task drains the outbound
// queues on every flush signal and a receiver task reassembles and dispatches responses.
// The channels of the circuit move through the create-request, create-response,
// subscription-request, connected and unresponsive phases.
type circuit struct {
	cac      *Context
	key      circuitKey
	logger   logger.Logger
	stateMgr *circuitStateMgr
	taskMgr  *task.Manager
	recvDog  *recvWatchdog
	sendDog  *sendWatchdog
	reader   *messageReader

	connMu     sync.Mutex
	conn       *net.TCPConn
	connClosed bool
	closeErr   error

	minorVersion      atomic.Uint32
	busyStateDetected atomic.Bool
	contigFullReads   int // receiver task only
	outBuf            []byte

	flushCh   chan struct{}
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	// guarded by the primary mutex
	sendQ             queue.Queue[*caproto.Message]
	queuedBytes       int
	progress          chan struct{}
	createReqQ        queue.Queue[*Channel]
	subscripReqQ      queue.Queue[*Channel]
	chans             map[uint32]*Channel
	echoRequested     bool
	unresponsive      bool
	flowControlActive bool
}

var _ netIIU = (*circuit)(nil)

func newCircuit(cac *Context, key circuitKey, minor uint16) *circuit {
	c := &circuit{
		cac:          cac,
		key:          key,
		logger:       cac.logger.With("server", key.addr.String(), "priority", key.priority),
		taskMgr:      task.NewManager(cac.ctx, cac.logger),
		reader:       newMessageReader(cac.bufPool, cac.maxBody),
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
		sendQ:        queue.NewSliceQueue[*caproto.Message](16),
		progress:     make(chan struct{}),
		createReqQ:   queue.NewSliceQueue[*Channel](16),
		subscripReqQ: queue.NewSliceQueue[*Channel](16),
		chans:        make(map[uint32]*Channel),
	}
	c.minorVersion.Store(uint32(minor))
	c.recvDog = newRecvWatchdog(c)
	c.sendDog = newSendWatchdog(c)
	c.stateMgr = newCircuitStateMgr(c.logger, c.connStateHandler)
	c.taskMgr.SetPanicHandler(func(name string, r any) {
		c.shutdown(fmt.Errorf("%w: %s: %v", ErrTaskPanic, name, r), true)
	})

	return c
}

func (c *circuit) start() {
	if err := c.taskMgr.Start("connectTask", c.connectTask); err != nil {
		c.logger.Error("failed to start circuit", "method", "start", "error", err)
		go c.shutdown(err, true)
	}
}

func (c *circuit) minor() uint16 {
	return uint16(c.minorVersion.Load()) //nolint:gosec
}

func (c *circuit) acceptsChannels() bool {
	return c.stateMgr.State().acceptsChannels()
}

func (c *circuit) connStateHandler(_ CircuitState, newState CircuitState) {
	if newState == CircuitConnected {
		c.logger.Debug("circuit connected", "minor", c.minor())
		c.recvDog.start()
		c.cac.beacons.attach(c.key.addr, c)
		c.signalFlush()
	}
}

func (c *circuit) signalFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *circuit) connectTask() bool {
	dialer := &net.Dialer{Timeout: c.cac.cfg.connectTimeout, KeepAlive: tcpKeepAlive}

	conn, err := dialer.DialContext(c.taskMgr.Context(), "tcp4", c.key.addr.String())
	if err != nil {
		c.logger.Debug("failed to connect to server", "method", "connectTask", "error", err)
		c.shutdown(err, true)

		return false
	}

	tcpConn, _ := conn.(*net.TCPConn)
	_ = tcpConn.SetNoDelay(true)

	c.connMu.Lock()
	if c.connClosed {
		c.connMu.Unlock()
		_ = conn.Close()

		return false
	}
	c.conn = tcpConn
	c.connMu.Unlock()

	if c.stateMgr.State() != CircuitConnecting {
		c.shutdown(nil, false)
		return false
	}

	if err := c.write(c.handshake()); err != nil {
		c.logger.Debug("failed to send handshake", "method", "connectTask", "error", err)
		c.shutdown(err, true)

		return false
	}

	c.connMu.Lock()
	if c.connClosed {
		c.connMu.Unlock()
		return false
	}
	// tasks are started with connMu held so that shutdown can't wait for them concurrently
	err = c.taskMgr.Start("senderTask", c.senderTask)
	if err == nil {
		err = c.taskMgr.Start("receiverTask", c.receiverTask)
	}
	c.connMu.Unlock()

	if err != nil {
		c.shutdown(err, true)
		return false
	}

	if err := c.stateMgr.toConnected(); err != nil {
		// a clean shutdown began while connecting; let the sender drain and half-close
		c.recvDog.start()
		c.signalFlush()
	}

	return false
}

func (c *circuit) handshake() []byte {
	buf := caproto.NewVersionRequest(uint16(c.key.priority)).ToBytes()
	if caproto.SupportsHostName(c.minor()) {
		buf = caproto.NewHostNameRequest(c.cac.cfg.hostName).AppendTo(buf)
		buf = caproto.NewClientNameRequest(c.cac.cfg.userName).AppendTo(buf)
	}

	return buf
}

// write sends buf under the send watchdog.
func (c *circuit) write(buf []byte) error {
	c.sendDog.start()
	_, err := c.conn.Write(buf)
	c.sendDog.cancel()

	return err
}

func (c *circuit) senderTask() bool {
	select {
	case <-c.done:
		return false
	case <-c.flushCh:
	}

	g := c.cac.lockPrimary()
	buf, progress, halfClose := c.collectOutbound(g, c.outBuf[:0])
	g.unlock()
	c.cac.runDeferred()

	if cap(buf) <= outBufRetain {
		c.outBuf = buf[:0]
	} else {
		c.outBuf = nil
	}

	if len(buf) > 0 {
		if err := c.write(buf); err != nil {
			close(progress)
			c.logger.Debug("failed to send", "method", "senderTask", "error", err)
			c.shutdown(err, true)

			return false
		}
		c.cac.metrics.addBytesSent(len(buf))
		c.recvDog.sendBacklogProgressNotify()
	}
	close(progress)

	if halfClose {
		if err := c.conn.CloseWrite(); err != nil {
			c.shutdown(err, true)
		}

		return false
	}

	return true
}

// collectOutbound appends every pending request to buf.
//
// Create requests go first, then the subscriptions of newly created channels, flow control,
// the echo probe and finally the queued application requests.
func (c *circuit) collectOutbound(g primaryGuard, buf []byte) ([]byte, chan struct{}, bool) {
	for _, ch := range c.createReqQ.Drain() {
		if ch.iiu != netIIU(c) || ch.phase != phaseCreateReq {
			continue
		}
		buf = caproto.NewCreateChanRequest(ch.name, ch.id).AppendTo(buf)
		ch.phase = phaseCreateResp
	}

	for _, ch := range c.subscripReqQ.Drain() {
		if ch.iiu != netIIU(c) || ch.phase != phaseSubscripReq {
			continue
		}
		for _, pio := range ch.ios {
			if pio.kind != ioSubscription {
				continue
			}
			msg := c.eventAddRequest(g, ch, pio)
			if !c.headerSupported(msg) {
				// stays registered for the next circuit
				c.cac.deferCallback(g, pio.failure(caproto.StatusTooLarge, ch.name))
				continue
			}
			buf = msg.AppendTo(buf)
		}
		if c.unresponsive {
			ch.phase = phaseUnresponsive
		} else {
			ch.phase = phaseConnected
		}
	}

	if busy := c.busyStateDetected.Load(); busy != c.flowControlActive {
		if busy {
			buf = caproto.NewEventsOffRequest().AppendTo(buf)
		} else {
			buf = caproto.NewEventsOnRequest().AppendTo(buf)
		}
		c.flowControlActive = busy
		c.cac.metrics.incFlowControlCount()
	}

	if c.echoRequested {
		c.echoRequested = false
		if caproto.SupportsEcho(c.minor()) {
			buf = caproto.NewEchoRequest().AppendTo(buf)
		} else {
			buf = caproto.NewReadSyncRequest().AppendTo(buf)
		}
		c.cac.metrics.incEchoCount()
	}

	for _, msg := range c.sendQ.Drain() {
		buf = msg.AppendTo(buf)
	}
	c.queuedBytes = 0

	progress := c.progress
	c.progress = make(chan struct{})

	return buf, progress, c.stateMgr.State() == CircuitCleanShutdown
}

// eventAddRequest builds the EVENT_ADD of a subscription. The count is bounded by the native
// element count, which is unknown when the subscription is made before the channel connects.
func (c *circuit) eventAddRequest(_ primaryGuard, ch *Channel, pio *pendingIO) *caproto.Message {
	count := pio.count
	if count == 0 || count > ch.nativeCount {
		count = ch.nativeCount
	}

	return caproto.NewEventAddRequest(pio.dbrType, count, ch.sid, pio.id, pio.mask)
}

func (c *circuit) receiverTask() bool {
	n, full, err := c.reader.fill(c.conn)
	if n > 0 {
		c.recvDog.messageArrivalNotify()
		c.updateBusyState(full)

		if perr := c.processInput(); perr != nil {
			c.cac.metrics.incProtocolViolationCount()
			c.logger.Error("abort circuit", "method", "receiverTask", "error", perr)
			c.shutdown(perr, true)

			return false
		}
	}

	if err != nil {
		c.handleReadError(err)
		return false
	}

	return true
}

// processInput dispatches every complete message in the receive buffer.
// Body buffers are returned to the pool after the callbacks ran.
func (c *circuit) processInput() error {
	cb := c.cac.lockCallback()
	g := c.cac.lockPrimary()

	var (
		notes  notifications
		bodies [][]byte
		err    error
	)

	for {
		var msg inboundMessage
		var ok bool

		msg, ok, err = c.reader.next()
		if err != nil || !ok {
			break
		}

		if msg.dropped {
			c.cac.metrics.incDroppedMessageCount()
			c.cac.warnLogger.Warn("drop message, receive buffers exhausted",
				caproto.MsgInfo(msg.header, "server", c.key.addr.String())...)

			continue
		}

		if msg.body != nil {
			bodies = append(bodies, msg.body)
		}

		c.cac.metrics.incMessageRecvCount()
		if err = c.cac.executeResponse(g, c, msg.header, msg.payload(), &notes); err != nil {
			if caproto.IsCircuitFatal(err) {
				break
			}
			c.cac.warnLogger.Warn("discard response",
				caproto.MsgInfo(msg.header, "server", c.key.addr.String(), "error", err)...)
			err = nil
		}
	}

	g.unlock()
	notes.run(cb)
	cb.unlock()

	for _, body := range bodies {
		c.cac.bufPool.Put(body)
	}

	return err
}

// updateBusyState turns flow control on after flowControlThreshold contiguous full reads
// and off after the first read that did not fill the buffer.
func (c *circuit) updateBusyState(full bool) {
	if full {
		c.contigFullReads++
		if c.contigFullReads >= c.cac.cfg.FlowControlThreshold() && !c.busyStateDetected.Load() {
			c.busyStateDetected.Store(true)
			c.signalFlush()
		}

		return
	}

	c.contigFullReads = 0
	if c.busyStateDetected.Load() {
		c.busyStateDetected.Store(false)
		c.signalFlush()
	}
}

func (c *circuit) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug("server closed circuit", "method", "receiverTask")
		c.shutdown(nil, false)
	case c.stateMgr.State() == CircuitCleanShutdown:
		c.shutdown(nil, false)
	case errors.Is(err, net.ErrClosed):
		c.shutdown(err, true)
	default:
		c.logger.Warn("failed to receive", "method", "receiverTask", "error", err)
		c.shutdown(err, true)
	}
}

// shutdown closes the circuit. Only the first call has an effect.
//
// An abortive shutdown resets the connection. The channels are handed back by finish once
// both loops returned. shutdown must not be called with the primary mutex held.
func (c *circuit) shutdown(reason error, abortive bool) {
	c.closeOnce.Do(func() {
		if abortive {
			_ = c.stateMgr.toAbortShutdown()
			c.cac.metrics.incCircuitAbortCount()
		}
		c.logger.Debug("circuit shutdown", "reason", reason, "abortive", abortive)

		g := c.cac.lockPrimary()
		c.cac.removeCircuit(g, c)
		g.unlock()

		c.connMu.Lock()
		c.connClosed = true
		if c.conn != nil {
			if abortive {
				_ = c.conn.SetLinger(0)
			}
			if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
		}
		c.connMu.Unlock()

		c.taskMgr.Stop()
		close(c.done)

		go c.finish()
	})
}

func (c *circuit) finish() {
	c.taskMgr.Wait()
	c.recvDog.stop()
	c.sendDog.cancel()
	c.reader.release()

	c.cac.onCircuitDisconnect(c)
	c.stateMgr.toDisconnected()
	close(c.finished)
}

// closeAndWait aborts the circuit and waits until its channels were handed back.
func (c *circuit) closeAndWait(reason error) error {
	c.shutdown(reason, true)
	<-c.finished

	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.closeErr
}

// initiateCleanShutdown drains the send queue, then half-closes the connection.
func (c *circuit) initiateCleanShutdown(g primaryGuard) {
	if err := c.stateMgr.toCleanShutdown(); err != nil {
		return
	}

	c.logger.Debug("circuit has no channels left, shutdown")
	c.cac.removeCircuit(g, c)
	c.signalFlush()
}

// drainChannels detaches every channel from the finished circuit.
func (c *circuit) drainChannels(_ primaryGuard) []*Channel {
	chans := make([]*Channel, 0, len(c.chans))
	for _, ch := range c.chans {
		chans = append(chans, ch)
	}
	clear(c.chans)
	c.sendQ.Reset()
	c.createReqQ.Reset()
	c.subscripReqQ.Reset()

	return chans
}

// requestEcho asks the sender to probe the server.
func (c *circuit) requestEcho() {
	g := c.cac.lockPrimary()
	c.echoRequested = true
	g.unlock()

	c.signalFlush()
}

// unresponsiveCircuitNotify disconnects the channels of a circuit that stopped answering
// probes. The socket stays open.
func (c *circuit) unresponsiveCircuitNotify() {
	cb := c.cac.lockCallback()
	defer cb.unlock()

	g := c.cac.lockPrimary()

	var notes notifications

	if c.unresponsive || c.stateMgr.State() != CircuitConnected {
		g.unlock()
		return
	}
	c.unresponsive = true
	c.cac.metrics.incUnresponsiveCount()
	c.logger.Warn("circuit unresponsive", "status", caproto.StatusUnresponsiveTmo.Message())

	for _, ch := range c.chans {
		switch ch.phase {
		case phaseConnected:
			ch.phase = phaseUnresponsive
		case phaseSubscripReq:
		default:
			continue
		}
		ch.failOneShotIO(g, caproto.StatusDisconn, &notes)
		notes.add(ch.connectionNotify(false))
	}

	g.unlock()
	notes.run(cb)
}

// responsiveCircuitNotify reconnects the channels of a circuit that answered again.
func (c *circuit) responsiveCircuitNotify() {
	cb := c.cac.lockCallback()
	defer cb.unlock()

	g := c.cac.lockPrimary()

	var notes notifications

	if !c.unresponsive {
		g.unlock()
		return
	}
	c.unresponsive = false
	c.logger.Info("circuit responsive again")

	for _, ch := range c.chans {
		switch ch.phase {
		case phaseUnresponsive:
			ch.phase = phaseConnected
		case phaseSubscripReq:
		default:
			continue
		}
		notes.add(ch.connectionNotify(true))
	}

	g.unlock()
	notes.run(cb)
}

// disconnectChannel hands a single channel back to the disconnect governor, used when the
// server disconnects it or fails to create it.
func (c *circuit) disconnectChannel(g primaryGuard, ch *Channel, notes *notifications) {
	wasConnected := ch.phase == phaseConnected || (ch.phase == phaseSubscripReq && !c.unresponsive)

	delete(c.chans, ch.id)
	ch.failOneShotIO(g, caproto.StatusDisconn, notes)
	ch.resetServerState(g)
	c.cac.governor.installChannel(g, ch)

	if wasConnected {
		notes.add(ch.connectionNotify(false))
	}
	if len(c.chans) == 0 {
		c.initiateCleanShutdown(g)
	}
}

func (c *circuit) installChannel(_ primaryGuard, ch *Channel) {
	ch.iiu = c
	ch.phase = phaseCreateReq
	c.chans[ch.id] = ch
	c.createReqQ.Enqueue(ch)

	if c.stateMgr.State() == CircuitConnected {
		c.signalFlush()
	}
}

// headerSupported reports whether the server understands the header form msg needs.
func (c *circuit) headerSupported(msg *caproto.Message) bool {
	return !msg.IsExtended() || caproto.SupportsExtendedHeader(c.minor())
}

// enqueue appends a request to the send queue.
func (c *circuit) enqueue(_ primaryGuard, msg *caproto.Message) error {
	if c.stateMgr.State() != CircuitConnected {
		return caproto.StatusDisconn
	}
	if !c.headerSupported(msg) {
		return caproto.StatusTooLarge
	}

	c.sendQ.Enqueue(msg)
	c.queuedBytes += msg.Len()
	if c.cac.cfg.AutoFlush() {
		c.signalFlush()
	}

	return nil
}

func (c *circuit) searchMsg(primaryGuard, *Channel) bool { return false }

func (c *circuit) writeRequest(g primaryGuard, ch *Channel, dbrType caproto.DBRType, count uint32, payload []byte) error {
	return c.enqueue(g, caproto.NewWriteRequest(dbrType, count, ch.sid, ch.id, payload))
}

func (c *circuit) writeNotifyRequest(g primaryGuard, ch *Channel, pio *pendingIO, payload []byte) error {
	return c.enqueue(g, caproto.NewWriteNotifyRequest(pio.dbrType, pio.count, ch.sid, pio.id, payload))
}

func (c *circuit) readNotifyRequest(g primaryGuard, ch *Channel, pio *pendingIO) error {
	return c.enqueue(g, caproto.NewReadNotifyRequest(pio.dbrType, pio.count, ch.sid, pio.id))
}

func (c *circuit) subscriptionRequest(g primaryGuard, ch *Channel, pio *pendingIO) error {
	// the sender installs every subscription of a channel in this phase
	if ch.phase == phaseSubscripReq {
		return nil
	}

	return c.enqueue(g, c.eventAddRequest(g, ch, pio))
}

func (c *circuit) subscriptionCancel(g primaryGuard, ch *Channel, pio *pendingIO) error {
	if ch.phase == phaseSubscripReq {
		return nil
	}

	return c.enqueue(g, caproto.NewEventCancelRequest(pio.dbrType, pio.count, ch.sid, pio.id))
}

func (c *circuit) clearChannelRequest(g primaryGuard, ch *Channel) error {
	return c.enqueue(g, caproto.NewClearChannelRequest(ch.sid, ch.id))
}

func (c *circuit) uninstallChannel(g primaryGuard, ch *Channel) {
	delete(c.chans, ch.id)
	if len(c.chans) == 0 {
		c.initiateCleanShutdown(g)
	}
}

func (c *circuit) flush() {
	c.signalFlush()
}

// awaitSendRoom blocks while more than flushBlockThreshold bytes are queued. It wakes
// periodically and returns ECA_DISCONN once the circuit is shutting down.
func (c *circuit) awaitSendRoom() error {
	threshold := c.cac.cfg.FlushBlockThreshold()
	wake := c.cac.cfg.flushBlockWakeInterval()

	for {
		g := c.cac.lockPrimary()
		switch c.stateMgr.State() {
		case CircuitConnecting:
			g.unlock()
			return nil
		case CircuitConnected:
		default:
			g.unlock()
			return caproto.StatusDisconn
		}
		if c.queuedBytes < threshold {
			g.unlock()
			return nil
		}
		progress := c.progress
		g.unlock()

		c.signalFlush()

		timer := pool.GetTimer(wake)
		select {
		case <-progress:
		case <-timer.C:
		case <-c.done:
		}
		pool.PutTimer(timer)
	}
}

func (c *circuit) hostName() string {
	return c.key.addr.String()
}

func (c *circuit) isVirtualCircuit() bool { return true }

func (c *circuit) networkAddress() string {
	return c.key.addr.String()
}
