package cac

import (
	"fmt"

	"github.com/arloliu/go-ca/caproto"
)

// tcpHandler processes one response received on a circuit. A circuit scoped error aborts the
// circuit, any other error discards the response.
type tcpHandler func(c *Context, g primaryGuard, circ *circuit, h caproto.Header, payload []byte, notes *notifications) error

var tcpJumpTable [caproto.CmdLast + 1]tcpHandler

func init() {
	tcpJumpTable = [caproto.CmdLast + 1]tcpHandler{
		caproto.CmdVersion:          versionAction,
		caproto.CmdEventAdd:         eventRespAction,
		caproto.CmdEventCancel:      noopAction,
		caproto.CmdRead:             noopAction,
		caproto.CmdWrite:            badTCPRespAction,
		caproto.CmdSnapshot:         badTCPRespAction,
		caproto.CmdSearch:           badTCPRespAction,
		caproto.CmdBuild:            badTCPRespAction,
		caproto.CmdEventsOff:        badTCPRespAction,
		caproto.CmdEventsOn:         badTCPRespAction,
		caproto.CmdReadSync:         noopAction,
		caproto.CmdError:            exceptionRespAction,
		caproto.CmdClearChannel:     noopAction,
		caproto.CmdRsrvIsUp:         noopAction,
		caproto.CmdNotFound:         noopAction,
		caproto.CmdReadNotify:       readNotifyRespAction,
		caproto.CmdReadBuild:        badTCPRespAction,
		caproto.CmdRepeaterConfirm:  badTCPRespAction,
		caproto.CmdCreateChan:       createChanRespAction,
		caproto.CmdWriteNotify:      writeNotifyRespAction,
		caproto.CmdClientName:       badTCPRespAction,
		caproto.CmdHostName:         badTCPRespAction,
		caproto.CmdAccessRights:     accessRightsRespAction,
		caproto.CmdEcho:             noopAction,
		caproto.CmdRepeaterRegister: badTCPRespAction,
		caproto.CmdSignal:           badTCPRespAction,
		caproto.CmdCreateChFail:     createChFailRespAction,
		caproto.CmdServerDisconn:    serverDisconnRespAction,
	}
}

// executeResponse dispatches a response through the jump table indexed by command.
func (c *Context) executeResponse(g primaryGuard, circ *circuit, h caproto.Header, payload []byte, notes *notifications) error {
	if !h.Command.IsValid() {
		return protocolViolation("dispatch", "unknown command %d", uint16(h.Command))
	}

	return tcpJumpTable[h.Command](c, g, circ, h, payload, notes)
}

func noopAction(*Context, primaryGuard, *circuit, caproto.Header, []byte, *notifications) error {
	return nil
}

func badTCPRespAction(_ *Context, _ primaryGuard, _ *circuit, h caproto.Header, _ []byte, _ *notifications) error {
	return protocolViolation("dispatch", "unexpected %s response on a circuit", h.Command)
}

func versionAction(_ *Context, _ primaryGuard, circ *circuit, h caproto.Header, _ []byte, _ *notifications) error {
	circ.minorVersion.Store(h.Count)
	return nil
}

// ioStatus extracts the completion status of a READ_NOTIFY or WRITE_NOTIFY response.
// Servers older than 4.1 do not report one.
func ioStatus(circ *circuit, h caproto.Header) caproto.Status {
	if !caproto.SupportsHostName(circ.minor()) {
		return caproto.StatusNormal
	}

	return caproto.Status(h.CID)
}

// trimValue cuts the alignment padding off a value payload.
func trimValue(dbrType caproto.DBRType, count uint32, payload []byte) []byte {
	if size := dbrType.SizeN(count); size > 0 && size <= uint64(len(payload)) {
		return payload[:size]
	}

	return payload
}

func eventRespAction(c *Context, _ primaryGuard, circ *circuit, h caproto.Header, payload []byte, notes *notifications) error {
	pio, ok := c.ios.Load(h.Available)
	if !ok {
		return nil
	}
	if pio.kind != ioSubscription || pio.ch.iiu != netIIU(circ) {
		return mismatchedReply(h, pio)
	}

	// an empty update confirms a cancel
	if h.PayloadSize == 0 {
		return nil
	}

	dbrType := caproto.DBRType(h.DataType)
	status := caproto.Status(h.CID)
	if status != caproto.StatusNormal {
		notes.add(pio.failure(status, pio.ch.name))
		return nil
	}

	notes.add(pio.completion(dbrType, h.Count, trimValue(dbrType, h.Count, payload), nil))

	return nil
}

// mismatchedReply reports a response naming the I/O id of another request.
func mismatchedReply(h caproto.Header, pio *pendingIO) error {
	return caproto.NewOpError(caproto.StatusBadMonID, h.Command.String(),
		fmt.Sprintf("io %d is a %s request", pio.id, pio.kind))
}

// takeOneShotIO removes the pending read or write-notify answered by h.
func takeOneShotIO(c *Context, circ *circuit, h caproto.Header, kind ioKind) (*pendingIO, error) {
	pio, ok := c.ios.Load(h.Available)
	if !ok {
		return nil, nil
	}
	if pio.kind != kind || pio.ch.iiu != netIIU(circ) {
		return nil, mismatchedReply(h, pio)
	}
	c.ios.Delete(pio.id)
	delete(pio.ch.ios, pio.id)

	return pio, nil
}

func readNotifyRespAction(c *Context, _ primaryGuard, circ *circuit, h caproto.Header, payload []byte, notes *notifications) error {
	pio, err := takeOneShotIO(c, circ, h, ioRead)
	if pio == nil {
		return err
	}

	if status := ioStatus(circ, h); status != caproto.StatusNormal {
		notes.add(pio.failure(status, pio.ch.name))
		return nil
	}

	dbrType := caproto.DBRType(h.DataType)
	notes.add(pio.completion(dbrType, h.Count, trimValue(dbrType, h.Count, payload), nil))

	return nil
}

func writeNotifyRespAction(c *Context, _ primaryGuard, circ *circuit, h caproto.Header, _ []byte, notes *notifications) error {
	pio, err := takeOneShotIO(c, circ, h, ioWriteNotify)
	if pio == nil {
		return err
	}

	if status := ioStatus(circ, h); status != caproto.StatusNormal {
		notes.add(pio.failure(status, pio.ch.name))
		return nil
	}

	notes.add(pio.completion(pio.dbrType, pio.count, nil, nil))

	return nil
}

func createChanRespAction(c *Context, g primaryGuard, circ *circuit, h caproto.Header, _ []byte, notes *notifications) error {
	ch, ok := c.channels.Load(h.CID)
	if !ok || ch.iiu != netIIU(circ) {
		// the channel was destroyed while the request was in flight
		_ = circ.enqueue(g, caproto.NewClearChannelRequest(h.Available, h.CID))
		return nil
	}
	if ch.phase != phaseCreateResp {
		return nil
	}

	ch.sid = h.Available
	ch.nativeType = caproto.DBRType(h.DataType)
	ch.nativeCount = h.Count

	hasSubscriptions := false
	for _, pio := range ch.ios {
		if pio.kind == ioSubscription {
			hasSubscriptions = true
			break
		}
	}

	if hasSubscriptions {
		ch.phase = phaseSubscripReq
		circ.subscripReqQ.Enqueue(ch)
		circ.signalFlush()
	} else {
		ch.phase = phaseConnected
	}

	notes.add(ch.connectionNotify(true))
	notes.add(ch.accessRightsNotify(g))

	return nil
}

func accessRightsRespAction(c *Context, g primaryGuard, circ *circuit, h caproto.Header, _ []byte, notes *notifications) error {
	ch, ok := c.channels.Load(h.CID)
	if !ok || ch.iiu != netIIU(circ) {
		return nil
	}

	ch.access = AccessRights(h.Available)
	// the connect notification reports the rights of a channel that is still being created
	if ch.isConnected(g) {
		notes.add(ch.accessRightsNotify(g))
	}

	return nil
}

func createChFailRespAction(c *Context, g primaryGuard, circ *circuit, h caproto.Header, _ []byte, notes *notifications) error {
	ch, ok := c.channels.Load(h.CID)
	if !ok || ch.iiu != netIIU(circ) {
		return nil
	}

	c.logger.Debug("server failed to create channel", "name", ch.name, "server", circ.hostName())
	circ.disconnectChannel(g, ch, notes)

	return nil
}

func serverDisconnRespAction(c *Context, g primaryGuard, circ *circuit, h caproto.Header, _ []byte, notes *notifications) error {
	ch, ok := c.channels.Load(h.CID)
	if !ok || ch.iiu != netIIU(circ) {
		return nil
	}

	c.logger.Debug("server disconnected channel", "name", ch.name, "server", circ.hostName())
	circ.disconnectChannel(g, ch, notes)

	return nil
}

// exceptionRespAction routes an ERROR response to the request it rejects: the pending I/O
// when the request carried an I/O id, the context exception handler otherwise.
func exceptionRespAction(c *Context, _ primaryGuard, circ *circuit, h caproto.Header, payload []byte, notes *notifications) error {
	exc, err := caproto.DecodeException(h, payload)
	if err != nil {
		return protocolViolation("dispatch", "%v", err)
	}

	req := exc.Request
	opErr := caproto.NewOpError(exc.Status, req.Command.String(), exc.Context)

	switch req.Command {
	case caproto.CmdReadNotify, caproto.CmdWriteNotify:
		if pio, ok := c.ios.LoadAndDelete(req.Available); ok {
			delete(pio.ch.ios, pio.id)
			notes.add(pio.completion(pio.dbrType, 0, nil, opErr))

			return nil
		}

	case caproto.CmdEventAdd:
		if pio, ok := c.ios.Load(req.Available); ok {
			notes.add(pio.completion(pio.dbrType, 0, nil, opErr))
			return nil
		}
	}

	ch, ok := c.channels.Load(exc.CID)
	if !ok || ch.iiu != netIIU(circ) {
		ch = nil
	}
	notes.add(c.exceptionNotify(ch, opErr, req))

	return nil
}
