package cac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/arloliu/go-ca/caproto"
	"github.com/arloliu/go-ca/internal/queue"
	"github.com/arloliu/go-ca/internal/task"
	"github.com/arloliu/go-ca/logger"
)

const (
	numSearchTiers = 18
	// beaconAnomalyTier is the tier channels are pulled down to after a beacon anomaly.
	beaconAnomalyTier = 5

	minRoundTripEstimate = 32 * time.Millisecond
	maxRoundTripEstimate = 30 * time.Second

	// maxFramesPerTry bounds the datagrams sent by one tier pass.
	maxFramesPerTry = 20
	initialFramesPerTry = 1.0
)

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// searchEntry is a channel queued on a tier. It is stale when the channel moved since.
type searchEntry struct {
	ch  *Channel
	gen uint64
}

// searchTimer is one retry tier of the search engine.
//
// Each pass sends the channels on its request list and moves them to the pending list;
// channels still pending at the next pass were not answered and move to the next tier.
type searchTimer struct {
	engine *searchEngine
	index  int
	slot   timerSlot

	requests queue.Queue[searchEntry]
	reqCount int
	pending  map[uint32]*Channel

	seqStart, seqEnd uint32
	sentAt           time.Time
	attempts         int
	responses        int

	framesPerTry  float64
	congestThresh float64
}

// searchEngine searches channel names over UDP and receives the search replies, beacons
// and repeater confirmations of the context.
type searchEngine struct {
	cac     *Context
	conn    *net.UDPConn
	dests   []netip.AddrPort
	taskMgr *task.Manager
	logger  logger.Logger

	// guarded by the primary mutex
	tiers    [numSearchTiers]*searchTimer
	rtte     time.Duration
	seq      uint32
	repeater *repeaterRegistration
}

var _ netIIU = (*searchEngine)(nil)

func newSearchEngine(cac *Context) (*searchEngine, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open search socket: %w", err)
	}

	if err := setBroadcast(conn); err != nil {
		cac.logger.Warn("failed to enable broadcast on search socket", "error", err)
	}

	s := &searchEngine{
		cac:     cac,
		conn:    conn,
		taskMgr: task.NewManager(cac.ctx, cac.logger),
		logger:  cac.logger.With("component", "search"),
		rtte:    minRoundTripEstimate,
	}

	s.dests = searchDestinations(cac.cfg, s.logger)
	if len(s.dests) == 0 {
		s.logger.Warn("no search destinations", "status", caproto.StatusNoSearchAddr.Message())
	}

	for i := range s.tiers {
		s.tiers[i] = &searchTimer{
			engine:        s,
			index:         i,
			slot:          timerSlot{clk: cac.clock},
			requests:      queue.NewSliceQueue[searchEntry](16),
			pending:       make(map[uint32]*Channel),
			framesPerTry:  initialFramesPerTry,
			congestThresh: maxFramesPerTry,
		}
	}
	s.repeater = newRepeaterRegistration(s)

	return s, nil
}

// searchDestinations builds the search address list: the configured addresses and, unless
// disabled, the broadcast address of every broadcast-capable interface.
func searchDestinations(cfg *ContextConfig, l logger.Logger) []netip.AddrPort {
	seen := make(map[netip.AddrPort]struct{})
	dests := make([]netip.AddrPort, 0, len(cfg.addrList)+4)

	add := func(ap netip.AddrPort) {
		if _, ok := seen[ap]; !ok {
			seen[ap] = struct{}{}
			dests = append(dests, ap)
		}
	}

	for _, entry := range cfg.addrList {
		ap, err := parseSearchAddr(entry, cfg.serverPort)
		if err != nil {
			l.Warn("ignore invalid search address", "addr", entry, "error", err)
			continue
		}
		add(ap)
	}

	if cfg.autoAddrList {
		found := false
		for _, addr := range interfaceBroadcasts(l) {
			add(netip.AddrPortFrom(addr, uint16(cfg.serverPort))) //nolint:gosec
			found = true
		}
		if !found {
			add(netip.AddrPortFrom(broadcastAddr, uint16(cfg.serverPort))) //nolint:gosec
		}
	}

	return dests
}

// parseSearchAddr parses "host" or "host:port" into an IPv4 address and port.
func parseSearchAddr(entry string, defaultPort int) (netip.AddrPort, error) {
	host, port := entry, strconv.Itoa(defaultPort)
	if h, p, err := net.SplitHostPort(entry); err == nil {
		host, port = h, p
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, err
	}

	ap := udpAddr.AddrPort()

	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// interfaceBroadcasts returns the broadcast address of every up, broadcast-capable IPv4 interface.
func interfaceBroadcasts(l logger.Logger) []netip.Addr {
	ifaces, err := net.Interfaces()
	if err != nil {
		l.Warn("failed to list network interfaces", "error", err)
		return nil
	}

	var addrs []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}

		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, ifAddr := range ifAddrs {
			ipNet, ok := ifAddr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			mask := ipNet.Mask
			if ip4 == nil || len(mask) != net.IPv4len {
				continue
			}

			var bcast [4]byte
			for i := range bcast {
				bcast[i] = ip4[i] | ^mask[i]
			}
			addrs = append(addrs, netip.AddrFrom4(bcast))
		}
	}

	return addrs
}

// start launches the receiver task and the repeater registration.
func (s *searchEngine) start(g primaryGuard) {
	buf := make([]byte, caproto.MaxUDPRecv)
	if err := s.taskMgr.Start("udpReceiverTask", func() bool { return s.receiverTask(buf) }); err != nil {
		s.logger.Error("failed to start UDP receiver", "error", err)
	}
	s.repeater.start(g)
}

func (s *searchEngine) close() error {
	g := s.cac.lockPrimary()
	for _, t := range s.tiers {
		t.slot.stop()
	}
	s.repeater.stop(g)
	g.unlock()

	err := s.conn.Close()
	s.taskMgr.Stop()
	s.taskMgr.Wait()

	return err
}

func (s *searchEngine) receiverTask(buf []byte) bool {
	n, src, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
			return false
		}
		s.logger.Debug("failed to receive datagram", "method", "udpReceiverTask", "error", err)

		return true
	}

	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	cb := s.cac.lockCallback()
	g := s.cac.lockPrimary()

	var notes notifications
	s.executeDatagram(g, src, buf[:n], &notes)

	g.unlock()
	notes.run(cb)
	cb.unlock()

	return true
}

// period returns the retry period of tier k.
func (s *searchEngine) period(_ primaryGuard, k int) time.Duration {
	p := s.rtte << (k + 1)
	if maxPeriod := s.cac.cfg.maxSearchPeriod; p <= 0 || p > maxPeriod {
		return maxPeriod
	}

	return p
}

// updateRTT folds a round trip measurement into the estimate.
func (s *searchEngine) updateRTT(_ primaryGuard, measured time.Duration) {
	rtte := (7*s.rtte + measured) / 8
	s.rtte = max(minRoundTripEstimate, min(rtte, maxRoundTripEstimate))
}

// searchMsg queues a channel on the first tier.
func (s *searchEngine) searchMsg(g primaryGuard, ch *Channel) bool {
	ch.iiu = s
	ch.phase = phaseSearch
	s.tiers[0].enqueue(g, ch)

	return true
}

func (s *searchEngine) channelCount(_ primaryGuard) int {
	n := 0
	for _, t := range s.tiers {
		n += t.reqCount + len(t.pending)
	}

	return n
}

// notifySearchResponse accounts a reply for a channel on the engine. The round trip is
// measured when the reply echoes a sequence number of the tier's last pass.
func (s *searchEngine) notifySearchResponse(g primaryGuard, ch *Channel, seq uint32, seqValid bool, now time.Time) {
	t := s.tiers[ch.searchTier]
	if _, ok := t.pending[ch.id]; !ok {
		return
	}
	t.responses++
	s.cac.metrics.incSearchReplyCount()

	if seqValid && seq-t.seqStart <= t.seqEnd-t.seqStart {
		s.updateRTT(g, now.Sub(t.sentAt))
	}
}

// beaconAnomalyNotify pulls channels on slow tiers down to the beacon anomaly tier.
func (s *searchEngine) beaconAnomalyNotify(g primaryGuard) {
	target := s.tiers[beaconAnomalyTier]
	for _, t := range s.tiers[beaconAnomalyTier+1:] {
		for _, ch := range t.pending {
			delete(t.pending, ch.id)
			target.enqueue(g, ch)
		}
		for {
			entry, ok := t.requests.Dequeue()
			if !ok {
				break
			}
			if t.valid(entry) {
				t.reqCount--
				target.enqueue(g, entry.ch)
			}
		}
	}
}

func (s *searchEngine) send(frames [][]byte) {
	for _, frame := range frames {
		for _, dest := range s.dests {
			if _, err := s.conn.WriteToUDPAddrPort(frame, dest); err != nil {
				s.cac.warnLogger.Warn("failed to send search datagram", "dest", dest.String(), "error", err)
				continue
			}
			s.cac.metrics.incSearchFrameCount()
		}
	}
}

func (s *searchEngine) sendTo(msg *caproto.Message, dest netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(msg.ToBytes(), dest)
	return err
}

func (s *searchEngine) writeRequest(_ primaryGuard, ch *Channel, _ caproto.DBRType, _ uint32, _ []byte) error {
	return notConnected("Write", ch)
}

func (s *searchEngine) writeNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO, _ []byte) error {
	return notConnected("WriteNotify", ch)
}

func (s *searchEngine) readNotifyRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("ReadNotify", ch)
}

func (s *searchEngine) subscriptionRequest(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Subscribe", ch)
}

func (s *searchEngine) subscriptionCancel(_ primaryGuard, ch *Channel, _ *pendingIO) error {
	return notConnected("Cancel", ch)
}

func (s *searchEngine) clearChannelRequest(_ primaryGuard, ch *Channel) error {
	return notConnected("Destroy", ch)
}

// uninstallChannel removes a channel from every search list.
func (s *searchEngine) uninstallChannel(_ primaryGuard, ch *Channel) {
	t := s.tiers[ch.searchTier]
	if ch.searchSent {
		delete(t.pending, ch.id)
	} else {
		t.reqCount--
	}
	ch.searchGen++
	ch.searchSent = false
}

func (s *searchEngine) flush() {}

func (s *searchEngine) awaitSendRoom() error { return nil }

func (s *searchEngine) hostName() string { return "" }

func (s *searchEngine) isVirtualCircuit() bool { return false }

func (s *searchEngine) networkAddress() string { return "" }

// enqueue appends a channel to the tier's request list and starts the tier when idle.
func (t *searchTimer) enqueue(_ primaryGuard, ch *Channel) {
	ch.searchGen++
	ch.searchTier = t.index
	ch.searchSent = false
	t.requests.Enqueue(searchEntry{ch: ch, gen: ch.searchGen})
	t.reqCount++

	if !t.slot.active() {
		t.slot.start(0, t.expire)
	}
}

func (t *searchTimer) valid(entry searchEntry) bool {
	ch := entry.ch
	return ch.iiu == netIIU(t.engine) && ch.searchGen == entry.gen && ch.searchTier == t.index && !ch.searchSent
}

func (t *searchTimer) expire(gen uint64) {
	s := t.engine
	g := s.cac.lockPrimary()
	if !t.slot.isCurrent(gen) {
		g.unlock()
		return
	}
	t.slot.expired()

	frames := t.pass(g)
	g.unlock()

	s.send(frames)
}

// pass runs one retry pass of the tier and returns the datagrams to send.
func (t *searchTimer) pass(g primaryGuard) [][]byte {
	s := t.engine

	t.updateCongestion()

	// channels not answered since the last pass move to the next tier
	next := s.tiers[min(t.index+1, numSearchTiers-1)]
	for id, ch := range t.pending {
		delete(t.pending, id)
		next.enqueue(g, ch)
	}

	t.attempts = 0
	t.responses = 0
	t.sentAt = s.cac.clock.Now()
	t.seqStart = s.seq + 1

	frames := make([][]byte, 0, int(t.framesPerTry))
	for len(frames) < int(t.framesPerTry) && t.reqCount > 0 {
		s.seq++
		frame := caproto.NewSearchVersion(s.seq).ToBytes()
		added := 0

		for t.reqCount > 0 {
			entry, ok := t.requests.Peek()
			if !ok {
				break
			}
			if !t.valid(entry) {
				_, _ = t.requests.Dequeue()
				continue
			}

			req := caproto.NewSearchRequest(entry.ch.name, entry.ch.id, false)
			if len(frame)+req.Len() > caproto.MaxUDPSend && added > 0 {
				break
			}

			_, _ = t.requests.Dequeue()
			t.reqCount--
			frame = req.AppendTo(frame)
			added++

			entry.ch.searchSent = true
			t.pending[entry.ch.id] = entry.ch
			t.attempts++
		}

		if added == 0 {
			s.seq--
			break
		}
		frames = append(frames, frame)
	}
	t.seqEnd = s.seq

	// the timer is armed before the datagrams leave so a fast reply always finds it
	switch {
	case t.reqCount > 0:
		t.slot.start(s.period(g, s.lowestBusyTier(g)), t.expire)
	case len(t.pending) > 0:
		t.slot.start(s.period(g, t.index), t.expire)
	}

	return frames
}

// updateCongestion adapts the frames sent per pass from the success rate of the last pass:
// slow start below the congestion threshold, linear growth above it and a reset on loss.
func (t *searchTimer) updateCongestion() {
	if t.attempts == 0 {
		return
	}

	successRate := float64(t.responses) / float64(t.attempts)
	switch {
	case successRate > 15.0/16.0:
		if t.framesPerTry < t.congestThresh {
			t.framesPerTry = min(2*t.framesPerTry, t.congestThresh)
		} else {
			t.framesPerTry += 1 / t.framesPerTry
		}
		t.framesPerTry = min(t.framesPerTry, maxFramesPerTry)
	case successRate < 0.5:
		t.congestThresh = max(t.framesPerTry/2, initialFramesPerTry)
		t.framesPerTry = initialFramesPerTry
	}
}

// lowestBusyTier returns the index of the lowest tier with channels on it.
func (s *searchEngine) lowestBusyTier(_ primaryGuard) int {
	for _, t := range s.tiers {
		if t.reqCount > 0 || len(t.pending) > 0 {
			return t.index
		}
	}

	return numSearchTiers - 1
}
