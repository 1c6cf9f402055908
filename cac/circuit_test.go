package cac

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	testifyrequire "github.com/stretchr/testify/require"

	"github.com/arloliu/go-ca/caproto"
)

// liveCircuit returns the only circuit of c.
func liveCircuit(t *testing.T, c *Context) *circuit {
	t.Helper()

	g := c.lockPrimary()
	defer g.unlock()

	require.Len(t, c.live, 1)
	for circ := range c.live {
		return circ
	}

	return nil
}

func TestCircuit_ExtendedHeaderNeedsServerSupport(t *testing.T) {
	require := require.New(t)

	const count = 0xFFFF

	mock := clock.NewMock()
	srv := newFakeServer(t, map[string]*fakePV{
		"big:pv": {value: make([]float64, count), access: rwAccess},
	})
	srv.minor.Store(8)
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv},
		WithClock(mock),
		WithMaxArrayBytes(1<<20),
	)

	events := newConnEvents()
	ch, err := c.CreateChannel("big:pv", 0, events.handler)
	require.NoError(err)

	subErrs := make(chan error, 1)
	_, err = ch.Subscribe(caproto.DBRDouble, 0, caproto.EventValue, func(_ *Channel, _ caproto.DBRType, _ uint32, _ []byte, err error) {
		subErrs <- err
	})
	require.NoError(err)

	mock.Add(0)
	events.wait(t, true)
	require.Equal(uint16(8), liveCircuit(t, c).minor())
	require.Equal(uint32(count), ch.ElementCount())

	// the subscription needs the extended header, so it is reported instead of sent
	select {
	case err := <-subErrs:
		require.ErrorIs(err, caproto.StatusTooLarge)
	case <-time.After(5 * time.Second):
		require.Fail("subscription failure not reported")
	}
	require.Zero(srv.cmdCount(caproto.CmdEventAdd))

	err = ch.Write(caproto.DBRDouble, count, encodeDoubles(nil, count))
	require.ErrorIs(err, caproto.StatusTooLarge)
	var caErr *caproto.Error
	require.True(errors.As(err, &caErr))
	require.Equal("Write", caErr.Op)
	require.Equal(caproto.ScopeOperation, caErr.Scope)

	err = ch.ReadNotify(caproto.DBRDouble, 0, func(*Channel, caproto.DBRType, uint32, []byte, error) {})
	require.ErrorIs(err, caproto.StatusTooLarge)
	require.Equal(1, c.Stats().PendingIO) // only the subscription is registered

	// requests fitting the standard header still go out
	require.NoError(ch.Write(caproto.DBRDouble, 2, encodeDoubles([]float64{4, 2}, 2)))
	require.Eventually(func() bool { return srv.cmdCount(caproto.CmdWrite) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCircuit_SubscriptionCountBoundedByNativeCount(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	srv := newFakeServer(t, map[string]*fakePV{
		"arr:pv": {value: []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv}, WithClock(mock))

	events := newConnEvents()
	ch, err := c.CreateChannel("arr:pv", 0, events.handler)
	require.NoError(err)

	// the native count is not known yet, so a larger count is accepted
	counts := make(chan uint32, 4)
	_, err = ch.Subscribe(caproto.DBRDouble, 1000, caproto.EventValue, func(_ *Channel, _ caproto.DBRType, count uint32, _ []byte, err error) {
		if err == nil {
			counts <- count
		}
	})
	require.NoError(err)

	mock.Add(0)
	events.wait(t, true)

	select {
	case count := <-counts:
		require.Equal(uint32(10), count)
	case <-time.After(5 * time.Second):
		require.Fail("no initial update")
	}
	require.Equal([]uint32{10}, srv.subscriptionCounts())

	// once connected, the count is checked up front
	_, err = ch.Subscribe(caproto.DBRDouble, 11, caproto.EventValue, func(*Channel, caproto.DBRType, uint32, []byte, error) {})
	require.ErrorIs(err, caproto.StatusBadCount)
}

func TestCircuit_FlowControl(t *testing.T) {
	require := require.New(t)

	srv := newFakeServer(t, map[string]*fakePV{
		"flow:pv": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv}, WithFlowControlThreshold(3))

	events := newConnEvents()
	_, err := c.CreateChannel("flow:pv", 0, events.handler)
	require.NoError(err)
	events.wait(t, true)

	circ := liveCircuit(t, c)

	// the receiver is idle, so the full-read accounting is driven from here
	circ.updateBusyState(true)
	circ.updateBusyState(true)
	require.Never(func() bool { return srv.cmdCount(caproto.CmdEventsOff) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	circ.updateBusyState(true)
	require.Eventually(func() bool { return srv.cmdCount(caproto.CmdEventsOff) == 1 }, 5*time.Second, 10*time.Millisecond)

	// further full reads keep it on without repeating the request
	circ.updateBusyState(true)
	require.Never(func() bool { return srv.cmdCount(caproto.CmdEventsOff) > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// the first read that did not fill the buffer turns it off
	circ.updateBusyState(false)
	require.Eventually(func() bool { return srv.cmdCount(caproto.CmdEventsOn) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(uint64(2), c.Metrics().FlowControlCount.Load())

	// the count restarts after a partial read
	circ.updateBusyState(true)
	circ.updateBusyState(true)
	require.Never(func() bool { return srv.cmdCount(caproto.CmdEventsOff) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSendWatchdog_AbortsStalledCircuit(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	srv := newFakeServer(t, map[string]*fakePV{
		"stall:pv": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv},
		WithClock(mock),
		WithConnTimeout(time.Second),
	)

	events := newConnEvents()
	ch, err := c.CreateChannel("stall:pv", 0, events.handler)
	require.NoError(err)

	mock.Add(0)
	events.wait(t, true)

	circ := liveCircuit(t, c)
	// keep echo probes from writing while the clock advances
	circ.recvDog.stop()

	// a write completing in time disarms the watchdog
	circ.sendDog.start()
	circ.sendDog.cancel()
	mock.Add(time.Second)
	require.Never(func() bool { return c.Metrics().CircuitAbortCount.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(ChannelConnected, ch.State())

	// a write still blocked after the connection timeout aborts the circuit
	circ.sendDog.start()
	mock.Add(time.Second)
	events.wait(t, false)
	require.Equal(uint64(1), c.Metrics().CircuitAbortCount.Load())

	select {
	case <-circ.finished:
	case <-time.After(5 * time.Second):
		require.Fail("circuit not finished")
	}
	require.Equal(CircuitDisconnected, circ.stateMgr.State())
	require.NotEqual(ChannelConnected, ch.State())
}

func TestCircuit_ResponseErrorScope(t *testing.T) {
	require := require.New(t)

	srv := newFakeServer(t, map[string]*fakePV{
		"scope:pv": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv})

	events := newConnEvents()
	ch, err := c.CreateChannel("scope:pv", 0, events.handler)
	require.NoError(err)
	events.wait(t, true)

	sub, err := ch.Subscribe(caproto.DBRDouble, 0, caproto.EventValue, func(*Channel, caproto.DBRType, uint32, []byte, error) {})
	require.NoError(err)

	circ := liveCircuit(t, c)

	t.Run("Reply naming the wrong kind of request", func(t *testing.T) {
		rq := testifyrequire.New(t)

		var notes notifications
		g := c.lockPrimary()
		err := c.executeResponse(g, circ, caproto.Header{
			Command:     caproto.CmdReadNotify,
			PayloadSize: 8,
			DataType:    uint16(caproto.DBRDouble),
			Count:       1,
			CID:         uint32(caproto.StatusNormal),
			Available:   sub.ID(),
		}, make([]byte, 8), &notes)
		_, registered := c.ios.Load(sub.ID())
		g.unlock()

		rq.ErrorIs(err, caproto.StatusBadMonID)
		rq.False(caproto.IsCircuitFatal(err))
		rq.True(registered)
		rq.Empty(notes)
	})

	t.Run("Command not valid on a circuit", func(t *testing.T) {
		rq := testifyrequire.New(t)

		var notes notifications
		g := c.lockPrimary()
		err := c.executeResponse(g, circ, caproto.Header{Command: caproto.CmdSearch}, nil, &notes)
		g.unlock()

		rq.ErrorIs(err, ErrProtocolViolation)
		rq.True(caproto.IsCircuitFatal(err))
	})

	t.Run("Violation from the server aborts the circuit", func(t *testing.T) {
		rq := testifyrequire.New(t)

		srv.sendAll(caproto.Header{Command: caproto.CmdSearch})
		events.wait(t, false)
		rq.Equal(uint64(1), c.Metrics().ProtocolViolationCount.Load())

		select {
		case <-circ.finished:
		case <-time.After(5 * time.Second):
			rq.Fail("circuit not finished")
		}
	})
}

func TestCircuit_TaskPanicAbortsCircuit(t *testing.T) {
	require := require.New(t)

	srv := newFakeServer(t, map[string]*fakePV{
		"panic:pv": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv})

	events := newConnEvents()
	_, err := c.CreateChannel("panic:pv", 0, events.handler)
	require.NoError(err)
	events.wait(t, true)

	circ := liveCircuit(t, c)
	require.NoError(circ.taskMgr.Start("faultyTask", func() bool {
		panic("boom")
	}))

	events.wait(t, false)
	select {
	case <-circ.finished:
	case <-time.After(5 * time.Second):
		require.Fail("circuit not finished")
	}
	require.Equal(uint64(1), c.Metrics().CircuitAbortCount.Load())
	require.Equal(CircuitDisconnected, circ.stateMgr.State())

	// the channel goes back to the search and reconnects on a new circuit
	events.wait(t, true)
}
