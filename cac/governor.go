package cac

import (
	"github.com/arloliu/go-ca/caproto"
)

// governor parks disconnected channels and hands them back to the search engine all
// together when its timer expires, so a server restart does not flood the network with
// searches as every circuit to it drops.
type governor struct {
	cac  *Context
	slot timerSlot

	// guarded by the primary mutex
	chans map[uint32]*Channel
}

var _ netIIU = (*governor)(nil)

func newGovernor(cac *Context) *governor {
	return &governor{
		cac:   cac,
		slot:  timerSlot{clk: cac.clock},
		chans: make(map[uint32]*Channel),
	}
}

// installChannel parks a channel until the next governor expiry.
func (gv *governor) installChannel(_ primaryGuard, ch *Channel) {
	ch.iiu = gv
	ch.phase = phaseDisconnected
	gv.chans[ch.id] = ch

	if !gv.slot.active() {
		gv.slot.start(gv.cac.cfg.GovernorPeriod(), gv.expire)
	}
}

func (gv *governor) expire(gen uint64) {
	g := gv.cac.lockPrimary()
	defer g.unlock()

	if !gv.slot.isCurrent(gen) {
		return
	}
	gv.slot.expired()

	if gv.cac.isClosed(g) || gv.cac.udp == nil {
		return
	}

	gv.cac.logger.Debug("resume search of disconnected channels", "method", "governor", "count", len(gv.chans))
	for id, ch := range gv.chans {
		delete(gv.chans, id)
		gv.cac.udp.searchMsg(g, ch)
	}
}

func (gv *governor) stop(_ primaryGuard) {
	gv.slot.stop()
	clear(gv.chans)
}

func (gv *governor) searchMsg(_ primaryGuard, _ *Channel) bool { return false }

func (gv *governor) writeRequest(_ primaryGuard, ch *Channel, _ caproto.DBRType, _ uint32, _ []byte) error {
	return notConnected("Write", ch)
}

func (gv *governor) writeNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO, _ []byte) error {
	return notConnected("WriteNotify", ch)
}

func (gv *governor) readNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("ReadNotify", ch)
}

func (gv *governor) subscriptionRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Subscribe", ch)
}

func (gv *governor) subscriptionCancel(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Cancel", ch)
}

func (gv *governor) clearChannelRequest(_ primaryGuard, ch *Channel) error {
	return notConnected("Destroy", ch)
}

func (gv *governor) uninstallChannel(_ primaryGuard, ch *Channel) {
	delete(gv.chans, ch.id)
}

func (gv *governor) flush() {}

func (gv *governor) awaitSendRoom() error { return nil }

func (gv *governor) hostName() string { return "" }

func (gv *governor) isVirtualCircuit() bool { return false }

func (gv *governor) networkAddress() string { return "" }
