package cac

import (
	"github.com/arloliu/go-ca/caproto"
)

// netIIU is the connection a channel is currently attached to.
//
// The variants are the UDP search engine, a TCP circuit, the disconnect governor and
// noopIIU for destroyed channels. Each variant implements the operations that make sense for
// it and reports ECA_DISCONN for the others.
type netIIU interface {
	// searchMsg queues a search for ch. Only the search engine accepts it.
	searchMsg(g primaryGuard, ch *Channel) bool
	writeRequest(g primaryGuard, ch *Channel, dbrType caproto.DBRType, count uint32, payload []byte) error
	writeNotifyRequest(g primaryGuard, ch *Channel, io *pendingIO, payload []byte) error
	readNotifyRequest(g primaryGuard, ch *Channel, io *pendingIO) error
	subscriptionRequest(g primaryGuard, ch *Channel, io *pendingIO) error
	subscriptionCancel(g primaryGuard, ch *Channel, io *pendingIO) error
	clearChannelRequest(g primaryGuard, ch *Channel) error
	// uninstallChannel detaches ch from this connection.
	uninstallChannel(g primaryGuard, ch *Channel)
	// flush asks for queued requests to be sent.
	flush()
	// awaitSendRoom blocks while the outbound backlog is above the flush block threshold.
	awaitSendRoom() error
	hostName() string
	isVirtualCircuit() bool
	networkAddress() string
}

func notConnected(op string, ch *Channel) error {
	return caproto.NewOpError(caproto.StatusDisconn, op, ch.name)
}

// noopIIU is attached to destroyed channels.
type noopIIU struct{}

var _ netIIU = noopIIU{}

func (noopIIU) searchMsg(primaryGuard, *Channel) bool { return false }

func (noopIIU) writeRequest(_ primaryGuard, ch *Channel, _ caproto.DBRType, _ uint32, _ []byte) error {
	return notConnected("Write", ch)
}

func (noopIIU) writeNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO, _ []byte) error {
	return notConnected("WriteNotify", ch)
}

func (noopIIU) readNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("ReadNotify", ch)
}

func (noopIIU) subscriptionRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Subscribe", ch)
}

func (noopIIU) subscriptionCancel(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Cancel", ch)
}

func (noopIIU) clearChannelRequest(_ primaryGuard, ch *Channel) error {
	return notConnected("Destroy", ch)
}

func (noopIIU) uninstallChannel(primaryGuard, *Channel) {}

func (noopIIU) flush() {}

func (noopIIU) awaitSendRoom() error { return nil }

func (noopIIU) hostName() string { return "" }

func (noopIIU) isVirtualCircuit() bool { return false }

func (noopIIU) networkAddress() string { return "" }
