package cac

import (
	"net/netip"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-ca/caproto"
)

// beaconVerdict is the classification of a received beacon.
type beaconVerdict int

const (
	beaconFirstSight beaconVerdict = iota
	beaconDuplicate
	beaconHealthy
	beaconSoftAnomaly
	beaconHardAnomaly
)

func (v beaconVerdict) String() string {
	switch v {
	case beaconFirstSight:
		return "first-sight"
	case beaconDuplicate:
		return "duplicate"
	case beaconHealthy:
		return "healthy"
	case beaconSoftAnomaly:
		return "soft-anomaly"
	case beaconHardAnomaly:
		return "hard-anomaly"
	default:
		return "unknown"
	}
}

// beaconEntry tracks the beacon period of one server.
type beaconEntry struct {
	mu       sync.Mutex
	ts       time.Time
	avg      time.Duration
	seq      uint32
	seqKnown bool
	circuits map[*circuit]struct{}
}

// update classifies a beacon and returns the circuits attached to the server.
//
// A period much longer than the average means beacons were lost, a period much shorter means
// the server restarted. Beacons seen twice or out of order are discarded.
func (e *beaconEntry) update(seq uint32, now time.Time, minor uint16, programStart time.Time) (beaconVerdict, []*circuit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caproto.SupportsSequencedBeacons(minor) {
		if e.seqKnown && isDuplicateBeacon(seq-e.seq) {
			return beaconDuplicate, nil
		}
		e.seq = seq
		e.seqKnown = true
	}

	verdict := e.classify(now, programStart)

	circuits := make([]*circuit, 0, len(e.circuits))
	for circ := range e.circuits {
		circuits = append(circuits, circ)
	}

	return verdict, circuits
}

// isDuplicateBeacon reports whether a sequence advance marks a beacon that was already seen.
// Advances of two or three come from redundant routes.
func isDuplicateBeacon(adv uint32) bool {
	return adv == 0 || adv > ^uint32(0)-256 || (adv > 1 && adv < 4)
}

func (e *beaconEntry) classify(now time.Time, programStart time.Time) beaconVerdict {
	if e.ts.IsZero() {
		e.ts = now
		return beaconFirstSight
	}

	prev := e.ts
	period := now.Sub(prev)
	e.ts = now

	if e.avg <= 0 {
		e.avg = period
		// the server came up while this program was already running
		if period <= prev.Sub(programStart) {
			return beaconHardAnomaly
		}

		return beaconHealthy
	}

	verdict := beaconHealthy
	switch {
	case float64(period) >= 3.25*float64(e.avg):
		verdict = beaconHardAnomaly
	case float64(period) >= 1.25*float64(e.avg):
		verdict = beaconSoftAnomaly
	case float64(period) <= 0.80*float64(e.avg):
		verdict = beaconHardAnomaly
	}

	e.avg = time.Duration(0.125*float64(period) + 0.875*float64(e.avg))

	return verdict
}

// attach registers a circuit connected to the server.
func (e *beaconEntry) attach(circ *circuit) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.circuits[circ] = struct{}{}
}

// detach unregisters a circuit. The period estimate restarts since the server may be restarting.
func (e *beaconEntry) detach(circ *circuit) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.circuits[circ]; !ok {
		return false
	}
	delete(e.circuits, circ)
	e.ts = time.Time{}
	e.avg = 0

	return true
}

// beaconTable maps server addresses to their beacon entries.
type beaconTable struct {
	entries *xsync.MapOf[netip.AddrPort, *beaconEntry]
}

func newBeaconTable() *beaconTable {
	return &beaconTable{entries: xsync.NewMapOf[netip.AddrPort, *beaconEntry]()}
}

func (t *beaconTable) lookupOrCreate(addr netip.AddrPort) *beaconEntry {
	entry, _ := t.entries.LoadOrCompute(addr, func() *beaconEntry {
		return &beaconEntry{circuits: make(map[*circuit]struct{})}
	})

	return entry
}

func (t *beaconTable) attach(addr netip.AddrPort, circ *circuit) {
	t.lookupOrCreate(addr).attach(circ)
}

func (t *beaconTable) detach(circ *circuit) {
	if entry, ok := t.entries.Load(circ.key.addr); ok {
		entry.detach(circ)
	}
}

func (t *beaconTable) size() int {
	return t.entries.Size()
}
