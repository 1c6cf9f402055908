package cac

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/arloliu/go-ca/caproto"
)

// datagram holds the state shared by the messages of one received datagram.
type datagram struct {
	src      netip.AddrPort
	seq      uint32
	seqValid bool
}

// udpHandler processes one message of a datagram. A returned error aborts the rest of the datagram.
type udpHandler func(s *searchEngine, g primaryGuard, dg *datagram, h caproto.Header, payload []byte, notes *notifications) error

var udpJumpTable [caproto.CmdLast + 1]udpHandler

func init() {
	udpJumpTable = [caproto.CmdLast + 1]udpHandler{
		caproto.CmdVersion:         udpVersionAction,
		caproto.CmdSearch:          searchRespAction,
		caproto.CmdNotFound:        udpNoopAction,
		caproto.CmdRsrvIsUp:        beaconAction,
		caproto.CmdRepeaterConfirm: repeaterAckAction,
		caproto.CmdError:           udpExceptionAction,
	}
}

// executeDatagram dispatches every message of a datagram received on the search socket.
func (s *searchEngine) executeDatagram(g primaryGuard, src netip.AddrPort, buf []byte, notes *notifications) {
	dg := datagram{src: src}

	for len(buf) > 0 {
		h, n, err := caproto.DecodeHeader(buf)
		if err != nil {
			s.cac.warnLogger.Warn("drop truncated datagram", "method", "executeDatagram", "src", src.String(), "error", err)
			return
		}
		if uint64(h.PayloadSize) > uint64(len(buf)-n) {
			s.cac.warnLogger.Warn("drop malformed datagram", "method", "executeDatagram", "src", src.String(),
				"command", h.Command.String(), "size", h.PayloadSize, "remaining", len(buf)-n)
			return
		}

		payload := buf[n : n+int(h.PayloadSize)]
		buf = buf[n+int(h.PayloadSize):]

		var handler udpHandler
		if h.Command.IsValid() {
			handler = udpJumpTable[h.Command]
		}
		if handler == nil {
			s.cac.warnLogger.Warn("drop datagram with unexpected command", "method", "executeDatagram",
				"src", src.String(), "command", h.Command.String())
			return
		}

		if err := handler(s, g, &dg, h, payload, notes); err != nil {
			s.cac.warnLogger.Warn("drop rest of datagram", "method", "executeDatagram", "src", src.String(), "error", err)
			return
		}
	}
}

func udpNoopAction(*searchEngine, primaryGuard, *datagram, caproto.Header, []byte, *notifications) error {
	return nil
}

// udpVersionAction records the sequence number carried by a search reply datagram.
func udpVersionAction(_ *searchEngine, _ primaryGuard, dg *datagram, h caproto.Header, _ []byte, _ *notifications) error {
	if caproto.SupportsPriority(uint16(h.Count)) { //nolint:gosec
		dg.seq = h.CID
		dg.seqValid = true
	}

	return nil
}

func searchRespAction(s *searchEngine, g primaryGuard, dg *datagram, h caproto.Header, payload []byte, notes *notifications) error {
	reply := caproto.DecodeSearchReply(h, payload)
	if !caproto.SupportsHostName(reply.MinorVersion) {
		s.logger.Debug("ignore search reply from pre-4.1 server", "src", dg.src.String(), "minor", reply.MinorVersion)
		return nil
	}

	addr := dg.src.Addr()
	if reply.Addr != 0 {
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], reply.Addr)
		addr = netip.AddrFrom4(ip)
	}

	port := reply.Port
	if port == 0 {
		port = uint16(s.cac.cfg.ServerPort()) //nolint:gosec
	}

	ch, ok := s.cac.channels.Load(reply.CID)
	if ok && ch.iiu == netIIU(s) {
		s.notifySearchResponse(g, ch, dg.seq, dg.seqValid, s.cac.clock.Now())
	}

	s.cac.transferChanToVirtCircuit(g, reply.CID, netip.AddrPortFrom(addr, port), reply.MinorVersion, notes)

	return nil
}

func beaconAction(s *searchEngine, g primaryGuard, dg *datagram, h caproto.Header, _ []byte, _ *notifications) error {
	beacon := caproto.DecodeBeacon(h)

	addr := dg.src.Addr()
	if beacon.Addr != 0 {
		var ip [4]byte
		binary.BigEndian.PutUint32(ip[:], beacon.Addr)
		addr = netip.AddrFrom4(ip)
	}

	port := beacon.Port
	if port == 0 {
		port = uint16(s.cac.cfg.ServerPort()) //nolint:gosec
	}

	s.cac.beaconNotify(g, netip.AddrPortFrom(addr, port), beacon)

	return nil
}

func repeaterAckAction(s *searchEngine, g primaryGuard, dg *datagram, _ caproto.Header, _ []byte, _ *notifications) error {
	if !dg.src.Addr().IsLoopback() {
		return nil
	}
	s.repeater.confirm(g)

	return nil
}

func udpExceptionAction(s *searchEngine, _ primaryGuard, dg *datagram, h caproto.Header, payload []byte, _ *notifications) error {
	exc, err := caproto.DecodeException(h, payload)
	if err != nil {
		return fmt.Errorf("decode exception: %w", err)
	}

	s.logger.Warn("search exception", "src", dg.src.String(), "status", exc.Status.Message(),
		"request", exc.Request.Command.String(), "context", exc.Context)

	return nil
}
