package cac

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ca/caproto"
)

func TestBeaconEntry_Classify(t *testing.T) {
	require := require.New(t)

	programStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := &beaconEntry{circuits: make(map[*circuit]struct{})}

	steps := []struct {
		desc   string
		at     time.Duration
		seq    uint32
		minor  uint16
		expect beaconVerdict
	}{
		{desc: "first beacon", at: 1 * time.Second, seq: 1, minor: 13, expect: beaconFirstSight},
		{desc: "server was up before the program", at: 16 * time.Second, seq: 2, minor: 13, expect: beaconHealthy},
		{desc: "regular period", at: 31 * time.Second, seq: 3, minor: 13, expect: beaconHealthy},
		{desc: "same sequence number", at: 32 * time.Second, seq: 3, minor: 13, expect: beaconDuplicate},
		{desc: "redundant route", at: 33 * time.Second, seq: 5, minor: 13, expect: beaconDuplicate},
		{desc: "stale sequence number", at: 34 * time.Second, seq: 2, minor: 13, expect: beaconDuplicate},
		{desc: "slightly late", at: 51 * time.Second, seq: 4, minor: 13, expect: beaconSoftAnomaly},
		{desc: "lost beacons", at: 111 * time.Second, seq: 5, minor: 13, expect: beaconHardAnomaly},
		{desc: "restarted server", at: 116 * time.Second, seq: 6, minor: 13, expect: beaconHardAnomaly},
		{desc: "sequence gap of four", at: 132 * time.Second, seq: 10, minor: 13, expect: beaconHealthy},
		{desc: "old server without sequence numbers", at: 150 * time.Second, seq: 0, minor: 9, expect: beaconHealthy},
	}

	for _, step := range steps {
		verdict, circuits := entry.update(step.seq, programStart.Add(step.at), step.minor, programStart)
		require.Equal(step.expect, verdict, "%s: got %s", step.desc, verdict)
		require.Empty(circuits)
	}
}

func TestBeaconEntry_ServerStartedAfterProgram(t *testing.T) {
	require := require.New(t)

	programStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := &beaconEntry{circuits: make(map[*circuit]struct{})}

	verdict, _ := entry.update(1, programStart.Add(time.Hour), 13, programStart)
	require.Equal(beaconFirstSight, verdict)

	// a server beaconing fast right after startup came up while the program was running
	verdict, _ = entry.update(2, programStart.Add(time.Hour+20*time.Millisecond), 13, programStart)
	require.Equal(beaconHardAnomaly, verdict)
	require.Equal(20*time.Millisecond, entry.avg)
}

func TestBeaconEntry_AverageFollowsPeriod(t *testing.T) {
	require := require.New(t)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := &beaconEntry{circuits: make(map[*circuit]struct{}), ts: now, avg: 16 * time.Second}

	// a period just below the soft threshold is healthy and folded into the average
	verdict := entry.classify(now.Add(19*time.Second), now.Add(-time.Hour))
	require.Equal(beaconHealthy, verdict)
	require.Equal(time.Duration(0.125*float64(19*time.Second)+0.875*float64(16*time.Second)), entry.avg)
}

func TestIsDuplicateBeacon(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		adv    uint32
		expect bool
	}{
		{adv: 0, expect: true},
		{adv: 1, expect: false},
		{adv: 2, expect: true},
		{adv: 3, expect: true},
		{adv: 4, expect: false},
		{adv: 1000, expect: false},
		{adv: ^uint32(0) - 256, expect: false},
		{adv: ^uint32(0) - 255, expect: true},
		{adv: ^uint32(0), expect: true},
	}

	for _, tt := range tests {
		require.Equal(tt.expect, isDuplicateBeacon(tt.adv), "advance %d", tt.adv)
	}
}

func TestBeaconTable_AttachDetach(t *testing.T) {
	require := require.New(t)

	table := newBeaconTable()
	addr := netip.MustParseAddrPort("10.0.0.1:5064")
	circ := &circuit{key: circuitKey{addr: addr}}

	table.attach(addr, circ)
	require.Equal(1, table.size())

	entry := table.lookupOrCreate(addr)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// the second beacon came sooner than the program has been running: the server restarted
	_, _ = entry.update(1, now, 13, now.Add(-time.Hour))
	verdict, circuits := entry.update(2, now.Add(15*time.Second), 13, now.Add(-time.Hour))
	require.Equal(beaconHardAnomaly, verdict)
	require.Equal([]*circuit{circ}, circuits)

	table.detach(circ)
	require.True(entry.ts.IsZero())
	require.Zero(entry.avg)
	require.False(entry.detach(circ))

	// the estimate restarts after a detach
	verdict, circuits = entry.update(3, now.Add(30*time.Second), 13, now.Add(-time.Hour))
	require.Equal(beaconFirstSight, verdict)
	require.Empty(circuits)

	// a period longer than the program uptime at the first beacon is healthy
	verdict, circuits = entry.update(4, now.Add(45*time.Second), 13, now.Add(20*time.Second))
	require.Equal(beaconHealthy, verdict)
	require.Empty(circuits)

	// detaching an unknown server is a no-op
	table.detach(&circuit{key: circuitKey{addr: netip.MustParseAddrPort("10.0.0.2:5064")}})
	require.Equal(1, table.size())
}

func TestContext_BeaconAnomalySpeedsUpSearch(t *testing.T) {
	require := require.New(t)

	c, mock := newSearchTestContext(t)
	ch, err := c.CreateChannel("anomaly:pv", 0, nil)
	require.NoError(err)

	g := c.lockPrimary()
	defer g.unlock()

	s := c.udp
	s.uninstallChannel(g, ch)
	s.tiers[12].enqueue(g, ch)

	addr := netip.MustParseAddrPort("10.0.0.1:5064")
	entry := c.beacons.lookupOrCreate(addr)
	entry.ts = mock.Now().Add(-time.Second)
	entry.avg = 15 * time.Second

	c.beaconNotify(g, addr, caproto.Beacon{MinorVersion: caproto.MinorRevision, Seq: 7})

	require.Equal(beaconAnomalyTier, ch.searchTier)
	require.Equal(uint64(1), c.Metrics().BeaconCount.Load())
	require.Equal(uint64(1), c.Metrics().BeaconAnomalyCount.Load())

	// a duplicate is counted but not classified
	c.beaconNotify(g, addr, caproto.Beacon{MinorVersion: caproto.MinorRevision, Seq: 7})
	require.Equal(uint64(2), c.Metrics().BeaconCount.Load())
	require.Equal(uint64(1), c.Metrics().BeaconAnomalyCount.Load())
}
