package cac

import (
	"github.com/arloliu/go-ca/caproto"
)

type ioKind uint8

const (
	ioRead ioKind = iota
	ioWriteNotify
	ioSubscription
)

func (k ioKind) String() string {
	switch k {
	case ioRead:
		return "read"
	case ioWriteNotify:
		return "write-notify"
	case ioSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// ReadHandler receives the result of a read or a subscription update.
//
// data holds count elements of dbrType in network byte order. It is only valid during the
// call. err is non-nil when the request failed; it is a *caproto.Error.
type ReadHandler func(ch *Channel, dbrType caproto.DBRType, count uint32, data []byte, err error)

// WriteHandler receives the completion of a WriteNotify.
type WriteHandler func(ch *Channel, err error)

// pendingIO is a request waiting for its response, registered under a process unique id.
// One-shot reads and writes are removed before their single completion; subscriptions stay
// registered until canceled and are reinstalled after every reconnect.
type pendingIO struct {
	id      uint32
	kind    ioKind
	ch      *Channel
	dbrType caproto.DBRType
	count   uint32
	mask    uint16
	onRead  ReadHandler
	onWrite WriteHandler
}

// completion returns the callback delivering a response to the application.
// It does nothing when the channel was destroyed in the meantime.
func (io *pendingIO) completion(dbrType caproto.DBRType, count uint32, data []byte, err error) func() {
	return func() {
		if io.ch.destroyed.Load() {
			return
		}
		// a canceled subscription may still have an update in flight
		if io.kind == ioSubscription {
			if _, ok := io.ch.cac.ios.Load(io.id); !ok {
				return
			}
		}

		switch io.kind {
		case ioRead, ioSubscription:
			if io.onRead != nil {
				io.onRead(io.ch, dbrType, count, data, err)
			}
		case ioWriteNotify:
			if io.onWrite != nil {
				io.onWrite(io.ch, err)
			}
		}
	}
}

// failure returns the callback reporting status to the application.
func (io *pendingIO) failure(status caproto.Status, context string) func() {
	err := caproto.NewOpError(status, io.kind.String(), context)
	return io.completion(io.dbrType, 0, nil, err)
}

// Subscription is an installed monitor of a channel.
type Subscription struct {
	io *pendingIO
}

// ID returns the subscription id.
func (s *Subscription) ID() uint32 {
	return s.io.id
}

// Channel returns the channel the subscription belongs to.
func (s *Subscription) Channel() *Channel {
	return s.io.ch
}

// Cancel removes the subscription. No update is delivered once Cancel returns.
func (s *Subscription) Cancel() error {
	ch := s.io.ch
	c := ch.cac

	g := c.lockPrimary()
	defer g.unlock()

	if _, ok := c.ios.LoadAndDelete(s.io.id); !ok {
		return ErrSubscriptionCanceled
	}
	delete(ch.ios, s.io.id)

	if ch.isConnected(g) {
		return ch.iiu.subscriptionCancel(g, ch, s.io)
	}

	return nil
}
