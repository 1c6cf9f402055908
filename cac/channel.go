package cac

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/arloliu/go-ca/caproto"
)

// ChannelState is the connection state of a channel as seen by the application.
type ChannelState uint8

const (
	// ChannelSearching indicates that the channel name is being searched for.
	ChannelSearching ChannelState = iota
	// ChannelConnecting indicates that a server answered and the channel is being claimed on its circuit.
	ChannelConnecting
	// ChannelConnected indicates that requests can be issued.
	ChannelConnected
	// ChannelUnresponsive indicates that the circuit stopped answering echo probes. Requests are
	// still queued and the channel reconnects without a new search once traffic resumes.
	ChannelUnresponsive
	// ChannelDisconnected indicates that the circuit was lost and the channel waits to be searched again.
	ChannelDisconnected
	// ChannelClosed indicates that the channel was destroyed.
	ChannelClosed
)

// String returns string representation of the channel state.
func (s ChannelState) String() string {
	switch s {
	case ChannelSearching:
		return "searching"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelUnresponsive:
		return "unresponsive"
	case ChannelDisconnected:
		return "disconnected"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// chanPhase tracks which list of its current connection a channel is on.
type chanPhase uint8

const (
	phaseSearch chanPhase = iota
	phaseCreateReq
	phaseCreateResp
	phaseSubscripReq
	phaseConnected
	phaseUnresponsive
	phaseDisconnected
	phaseClosed
)

// AccessRights holds the read and write permissions granted by the server.
type AccessRights uint32

// CanRead reports whether reads and subscriptions are permitted.
func (a AccessRights) CanRead() bool { return uint32(a)&caproto.AccessRead != 0 }

// CanWrite reports whether writes are permitted.
func (a AccessRights) CanWrite() bool { return uint32(a)&caproto.AccessWrite != 0 }

// String returns "rw", "r-", "-w" or "--".
func (a AccessRights) String() string {
	var sb strings.Builder
	if a.CanRead() {
		sb.WriteByte('r')
	} else {
		sb.WriteByte('-')
	}
	if a.CanWrite() {
		sb.WriteByte('w')
	} else {
		sb.WriteByte('-')
	}

	return sb.String()
}

// ConnectionHandler is invoked when a channel connects or disconnects.
//
// Handlers run with the context callback mutex held. They may issue requests on any channel
// but must not call Context.Close.
type ConnectionHandler func(ch *Channel, connected bool)

// AccessRightsHandler is invoked when the access rights of a connected channel change.
type AccessRightsHandler func(ch *Channel, rights AccessRights)

// Channel is a named process variable on a CA server.
//
// A channel keeps its identity across reconnects: after a circuit is lost it is searched for
// again and its subscriptions are reinstalled on the next circuit.
type Channel struct {
	cac       *Context
	id        uint32
	name      string
	priority  uint8
	onConn    ConnectionHandler
	destroyed atomic.Bool

	// guarded by the primary mutex
	iiu         netIIU
	phase       chanPhase
	searchTier  int
	searchGen   uint64
	searchSent  bool
	sid         uint32
	nativeType  caproto.DBRType
	nativeCount uint32
	access      AccessRights
	onAccess    AccessRightsHandler
	accessGen   uint64
	ios         map[uint32]*pendingIO
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// ID returns the client channel id.
func (ch *Channel) ID() uint32 { return ch.id }

// Priority returns the circuit priority requested for the channel.
func (ch *Channel) Priority() uint8 { return ch.priority }

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	g := ch.cac.lockPrimary()
	defer g.unlock()

	switch ch.phase {
	case phaseSearch:
		return ChannelSearching
	case phaseCreateReq, phaseCreateResp:
		return ChannelConnecting
	case phaseSubscripReq, phaseConnected:
		return ChannelConnected
	case phaseUnresponsive:
		return ChannelUnresponsive
	case phaseDisconnected:
		return ChannelDisconnected
	default:
		return ChannelClosed
	}
}

// NativeType returns the native DBR type of the channel, valid once connected.
func (ch *Channel) NativeType() caproto.DBRType {
	g := ch.cac.lockPrimary()
	defer g.unlock()

	return ch.nativeType
}

// ElementCount returns the native element count of the channel, valid once connected.
func (ch *Channel) ElementCount() uint32 {
	g := ch.cac.lockPrimary()
	defer g.unlock()

	return ch.nativeCount
}

// AccessRights returns the access rights granted by the server.
func (ch *Channel) AccessRights() AccessRights {
	g := ch.cac.lockPrimary()
	defer g.unlock()

	return ch.access
}

// HostName returns the "host:port" of the server hosting the channel, empty when not bound to a circuit.
func (ch *Channel) HostName() string {
	g := ch.cac.lockPrimary()
	defer g.unlock()

	return ch.iiu.hostName()
}

// SetAccessRightsHandler sets the handler invoked when access rights change.
// When the channel is connected the handler is also invoked with the current rights, right
// away or, when called from a callback, once that callback returned.
func (ch *Channel) SetAccessRightsHandler(h AccessRightsHandler) {
	g := ch.cac.lockPrimary()
	ch.onAccess = h
	ch.accessGen++
	if h != nil {
		ch.cac.deferCallback(g, ch.initialAccessNotify(ch.accessGen))
	}
	g.unlock()

	ch.cac.runDeferred()
}

// initialAccessNotify reports the current rights to the handler installed at generation gen.
// The rights are read when the callback runs so that it never overtakes a later change.
func (ch *Channel) initialAccessNotify(gen uint64) func() {
	return func() {
		g := ch.cac.lockPrimary()
		h := ch.onAccess
		current := ch.accessGen == gen && ch.isConnected(g)
		rights := ch.access
		g.unlock()

		if current && h != nil && !ch.destroyed.Load() {
			h(ch, rights)
		}
	}
}

// isConnected reports whether the channel is claimed on a circuit.
func (ch *Channel) isConnected(_ primaryGuard) bool {
	return ch.phase == phaseSubscripReq || ch.phase == phaseConnected || ch.phase == phaseUnresponsive
}

// resetServerState clears what the last server told about the channel.
func (ch *Channel) resetServerState(_ primaryGuard) {
	ch.sid = 0
	ch.access = 0
}

func (ch *Channel) connectionNotify(connected bool) func() {
	return func() {
		if ch.onConn != nil && !ch.destroyed.Load() {
			ch.onConn(ch, connected)
		}
	}
}

func (ch *Channel) accessRightsNotify(_ primaryGuard) func() {
	h := ch.onAccess
	rights := ch.access

	return func() {
		if h != nil && !ch.destroyed.Load() {
			h(ch, rights)
		}
	}
}

// failOneShotIO removes every pending read and write-notify of the channel and returns their
// failure callbacks. Subscriptions stay registered.
func (ch *Channel) failOneShotIO(_ primaryGuard, status caproto.Status, notes *notifications) {
	for id, io := range ch.ios {
		if io.kind == ioSubscription {
			continue
		}
		delete(ch.ios, id)
		if _, ok := ch.cac.ios.LoadAndDelete(id); ok {
			notes.add(io.failure(status, ch.name))
		}
	}
}

// opError converts a validation failure into an operation scoped *caproto.Error.
func (ch *Channel) opError(op string, err error) error {
	var status caproto.Status
	if errors.As(err, &status) {
		return caproto.NewOpError(status, op, ch.name)
	}

	return err
}

// checkRequest validates a request against the channel state and access rights.
func (ch *Channel) checkRequest(g primaryGuard, op string, needWrite bool) error {
	if ch.destroyed.Load() {
		return caproto.NewOpError(caproto.StatusChanDestroy, op, ch.name)
	}
	if !ch.isConnected(g) {
		return caproto.NewOpError(caproto.StatusDisconn, op, ch.name)
	}
	if needWrite && !ch.access.CanWrite() {
		return caproto.NewOpError(caproto.StatusNoWtAccess, op, ch.name)
	}
	if !needWrite && !ch.access.CanRead() {
		return caproto.NewOpError(caproto.StatusNoRdAccess, op, ch.name)
	}

	return nil
}

// resolveCount maps a zero count to the native element count.
func (ch *Channel) resolveCount(_ primaryGuard, count uint32) uint32 {
	if count == 0 {
		return ch.nativeCount
	}

	return count
}

// awaitSendRoom blocks while the outbound backlog of the channel's circuit is too large.
func (ch *Channel) awaitSendRoom() error {
	g := ch.cac.lockPrimary()
	iiu := ch.iiu
	g.unlock()

	return iiu.awaitSendRoom()
}

func (ch *Channel) newIO(g primaryGuard, kind ioKind, dbrType caproto.DBRType, count uint32) *pendingIO {
	c := ch.cac
	io := &pendingIO{
		id:      c.ioIDs.NextFree(func(id uint32) bool { _, ok := c.ios.Load(id); return ok }),
		kind:    kind,
		ch:      ch,
		dbrType: dbrType,
		count:   count,
	}
	c.ios.Store(io.id, io)
	ch.ios[io.id] = io

	return io
}

func (ch *Channel) dropIO(_ primaryGuard, io *pendingIO) {
	ch.cac.ios.Delete(io.id)
	delete(ch.ios, io.id)
}

// ReadNotify requests count elements of the channel value as dbrType. A zero count reads the
// native element count. The handler is invoked exactly once, with the value or the failure.
func (ch *Channel) ReadNotify(dbrType caproto.DBRType, count uint32, handler ReadHandler) error {
	const op = "ReadNotify"

	if handler == nil {
		return caproto.NewOpError(caproto.StatusBadFuncPtr, op, ch.name)
	}
	if err := ch.awaitSendRoom(); err != nil {
		return ch.opError(op, err)
	}

	g := ch.cac.lockPrimary()
	defer g.unlock()

	if err := ch.checkRequest(g, op, false); err != nil {
		return err
	}

	count = ch.resolveCount(g, count)
	if err := dbrType.CheckCount(count, ch.nativeCount, ch.cac.cfg.MaxArrayBytes()); err != nil {
		return ch.opError(op, err)
	}

	io := ch.newIO(g, ioRead, dbrType, count)
	io.onRead = handler

	if err := ch.iiu.readNotifyRequest(g, ch, io); err != nil {
		ch.dropIO(g, io)
		return ch.opError(op, err)
	}

	return nil
}

// Write writes count elements of dbrType to the channel without waiting for completion.
// payload holds the elements in network byte order.
func (ch *Channel) Write(dbrType caproto.DBRType, count uint32, payload []byte) error {
	const op = "Write"

	if err := ch.awaitSendRoom(); err != nil {
		return ch.opError(op, err)
	}

	g := ch.cac.lockPrimary()
	defer g.unlock()

	if err := ch.checkWrite(g, op, dbrType, count, payload); err != nil {
		return err
	}

	if err := ch.iiu.writeRequest(g, ch, dbrType, count, payload); err != nil {
		return ch.opError(op, err)
	}

	return nil
}

// WriteNotify writes count elements of dbrType to the channel. The handler is invoked exactly
// once, when the server completed the write or when it failed.
func (ch *Channel) WriteNotify(dbrType caproto.DBRType, count uint32, payload []byte, handler WriteHandler) error {
	const op = "WriteNotify"

	if handler == nil {
		return caproto.NewOpError(caproto.StatusBadFuncPtr, op, ch.name)
	}
	if err := ch.awaitSendRoom(); err != nil {
		return ch.opError(op, err)
	}

	g := ch.cac.lockPrimary()
	defer g.unlock()

	if err := ch.checkWrite(g, op, dbrType, count, payload); err != nil {
		return err
	}

	io := ch.newIO(g, ioWriteNotify, dbrType, count)
	io.onWrite = handler

	if err := ch.iiu.writeNotifyRequest(g, ch, io, payload); err != nil {
		ch.dropIO(g, io)
		return ch.opError(op, err)
	}

	return nil
}

func (ch *Channel) checkWrite(g primaryGuard, op string, dbrType caproto.DBRType, count uint32, payload []byte) error {
	if err := ch.checkRequest(g, op, true); err != nil {
		return err
	}
	if err := caproto.ValidateWritePayload(dbrType, count, payload); err != nil {
		return ch.opError(op, err)
	}
	if err := dbrType.CheckCount(count, ch.nativeCount, ch.cac.cfg.MaxArrayBytes()); err != nil {
		return ch.opError(op, err)
	}

	return nil
}

// Subscribe installs a monitor delivering count elements of dbrType whenever an event in mask
// occurs. A zero count follows the native element count.
//
// A subscription made while the channel is not connected is installed as soon as it connects,
// and every subscription is reinstalled after a reconnect.
func (ch *Channel) Subscribe(dbrType caproto.DBRType, count uint32, mask uint16, handler ReadHandler) (*Subscription, error) {
	const op = "Subscribe"

	if handler == nil {
		return nil, caproto.NewOpError(caproto.StatusBadFuncPtr, op, ch.name)
	}
	if mask == 0 {
		return nil, caproto.NewOpError(caproto.StatusBadMask, op, ch.name)
	}
	if !dbrType.IsValid() {
		return nil, caproto.NewOpError(caproto.StatusBadType, op, ch.name)
	}
	if err := ch.awaitSendRoom(); err != nil {
		return nil, ch.opError(op, err)
	}

	g := ch.cac.lockPrimary()
	defer g.unlock()

	if ch.destroyed.Load() {
		return nil, caproto.NewOpError(caproto.StatusChanDestroy, op, ch.name)
	}

	connected := ch.isConnected(g)
	if connected && !ch.access.CanRead() {
		return nil, caproto.NewOpError(caproto.StatusNoRdAccess, op, ch.name)
	}

	nativeCount := uint32(0)
	if connected {
		nativeCount = ch.nativeCount
	}
	if err := dbrType.CheckCount(count, nativeCount, ch.cac.cfg.MaxArrayBytes()); err != nil {
		return nil, ch.opError(op, err)
	}

	io := ch.newIO(g, ioSubscription, dbrType, count)
	io.mask = mask
	io.onRead = handler

	if connected {
		if err := ch.iiu.subscriptionRequest(g, ch, io); err != nil {
			ch.dropIO(g, io)
			return nil, ch.opError(op, err)
		}
	}

	return &Subscription{io: io}, nil
}

// Destroy releases the channel. Pending requests are discarded without completion.
//
// Every callback of the channel checks for destruction when it starts, so none starts after
// Destroy returns, including those queued behind a running callback. Destroy does not wait
// for a callback of the channel that already started on another goroutine; it can be
// called from any callback.
func (ch *Channel) Destroy() error {
	if !ch.destroyed.CompareAndSwap(false, true) {
		return caproto.NewOpError(caproto.StatusChanDestroy, "Destroy", ch.name)
	}

	c := ch.cac
	g := c.lockPrimary()
	defer g.unlock()

	c.channels.Delete(ch.id)

	claimed := ch.isConnected(g)
	for id, io := range ch.ios {
		c.ios.Delete(id)
		if claimed && io.kind == ioSubscription {
			_ = ch.iiu.subscriptionCancel(g, ch, io)
		}
	}
	ch.ios = nil

	if claimed {
		_ = ch.iiu.clearChannelRequest(g, ch)
	}

	ch.iiu.uninstallChannel(g, ch)
	ch.iiu = noopIIU{}
	ch.phase = phaseClosed
	ch.resetServerState(g)

	return nil
}
