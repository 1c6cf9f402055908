package cac

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ca/caproto"
)

func TestRecvWatchdog_UnresponsiveCircuit(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	srv := newFakeServer(t, map[string]*fakePV{
		"wd:pv": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv},
		WithClock(mock),
		WithConnTimeout(time.Second),
		WithEchoTimeout(100*time.Millisecond),
	)

	events := newConnEvents()
	ch, err := c.CreateChannel("wd:pv", 0, events.handler)
	require.NoError(err)

	// run the first search pass
	mock.Add(0)
	events.wait(t, true)

	srv.silent.Store(true)

	var readErr atomic.Value
	var readCalls atomic.Int32
	err = ch.ReadNotify(caproto.DBRDouble, 1, func(_ *Channel, _ caproto.DBRType, _ uint32, _ []byte, err error) {
		readCalls.Add(1)
		if err != nil {
			readErr.Store(err)
		}
	})
	require.NoError(err)
	require.Eventually(func() bool { return srv.cmdCount(caproto.CmdReadNotify) == 1 }, 5*time.Second, 10*time.Millisecond)

	// the first expiry probes the server
	mock.Add(time.Second)
	require.Eventually(func() bool { return srv.echoes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(ChannelConnected, ch.State())

	// the unanswered probe marks the circuit unresponsive
	mock.Add(100 * time.Millisecond)
	events.wait(t, false)
	require.Equal(ChannelUnresponsive, ch.State())
	require.Equal(uint64(1), c.Metrics().UnresponsiveCount.Load())

	require.Eventually(func() bool { return readCalls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	err, _ = readErr.Load().(error)
	require.ErrorIs(err, caproto.StatusDisconn)

	// the circuit is kept open
	require.Equal(1, c.Stats().Circuits)

	// any inbound message restores it
	srv.sendAll(caproto.Header{Command: caproto.CmdEcho})
	events.wait(t, true)
	require.Equal(ChannelConnected, ch.State())
	require.Equal([]bool{true, false, true}, events.snapshot())
}

func TestRecvWatchdog_BeaconAnomalyProbes(t *testing.T) {
	require := require.New(t)

	mock := clock.NewMock()
	srv := newFakeServer(t, map[string]*fakePV{
		"wd:beacon": {value: []float64{1}, access: rwAccess},
	})
	c := newTestContext(t, newFakeRepeater(t), []*fakeServer{srv},
		WithClock(mock),
		WithConnTimeout(time.Minute),
	)

	events := newConnEvents()
	_, err := c.CreateChannel("wd:beacon", 0, events.handler)
	require.NoError(err)

	mock.Add(0)
	events.wait(t, true)

	g := c.lockPrimary()
	var circ *circuit
	for live := range c.live {
		circ = live
	}
	g.unlock()
	require.NotNil(circ)

	// an anomaly probes at once instead of waiting for the connection timeout
	circ.recvDog.beaconAnomalyNotify()
	mock.Add(0)
	require.Eventually(func() bool { return srv.echoes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the echo reply restarts the watchdog without a second probe
	require.Eventually(func() bool {
		circ.recvDog.mu.Lock()
		defer circ.recvDog.mu.Unlock()
		return !circ.recvDog.probePending
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal([]bool{true}, events.snapshot())
}
