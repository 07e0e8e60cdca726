package core

// viewchange.go adapts the teacher's HealthChecker (fault_tolerance.go) to
// feed the aBFT Driver's view-change trigger: EWMA-smoothed peer round-trip
// times flag a faulty leader, at which point the driver is nudged into a
// view change rather than waiting out the full timeout. The raw-TCP
// NetPinger/SendPing/AwaitPong ping protocol and the out-of-scope
// DynamicResourceAllocator (gas/VM) logic are dropped — see DESIGN.md.

import (
	"context"
	"sync"
	"time"
)

// Pinger measures round-trip time to a peer; gossip.go's Node implements it
// over a libp2p stream.
type Pinger interface {
	Ping(ctx context.Context, addr Address) (time.Duration, error)
}

// ViewChanger is the subset of Driver that HealthChecker can drive: who the
// current proposer is, and how to force a round to time out early.
type ViewChanger interface {
	CurrentLeader() Address
	ProposeViewChange(reason string)
}

// CurrentLeader reports the expected proposer for the driver's current
// height and round.
func (d *Driver) CurrentLeader() Address {
	d.mu.Lock()
	h, r := d.height, d.curRound.round
	d.mu.Unlock()
	return d.proposerFor(h, r)
}

// ProposeViewChange forces an immediate view change, used by HealthChecker
// when it judges the current leader faulty rather than waiting for the
// driver's own timeout to elapse.
func (d *Driver) ProposeViewChange(reason string) {
	d.logger.WithField("reason", reason).Info("consensus: externally triggered view change")
	d.inbound <- timeoutEvent{height: d.Height(), round: d.curRound.round}
}

type peerStat struct {
	EWMA       float64 // milliseconds; a health heuristic, not protocol-critical math
	Misses     int
	LastUpdate time.Time
}

// HealthChecker pings known peers on a fixed interval and flags the current
// leader faulty — triggering a view change — when its EWMA round-trip time
// exceeds maxRTT or it misses maxMisses consecutive pings in a row.
type HealthChecker struct {
	mu        sync.RWMutex
	peers     map[Address]*peerStat
	interval  time.Duration
	alpha     float64
	maxRTT    float64
	maxMisses int
	ping      Pinger
	changer   ViewChanger
	stop      chan struct{}
}

// NewHealthChecker constructs and starts a HealthChecker for the given
// initial peer set.
func NewHealthChecker(ping Pinger, changer ViewChanger, initial []Address) *HealthChecker {
	hc := &HealthChecker{
		peers:     make(map[Address]*peerStat),
		interval:  3 * time.Second,
		alpha:     0.2,
		maxRTT:    1500,
		maxMisses: 3,
		ping:      ping,
		changer:   changer,
		stop:      make(chan struct{}),
	}
	for _, p := range initial {
		hc.peers[p] = &peerStat{}
	}
	go hc.loop()
	return hc
}

func (hc *HealthChecker) loop() {
	t := time.NewTicker(hc.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			hc.tick()
		case <-hc.stop:
			return
		}
	}
}

// Stop terminates background health checks.
func (hc *HealthChecker) Stop() {
	select {
	case <-hc.stop:
	default:
		close(hc.stop)
	}
}

func (hc *HealthChecker) tick() {
	hc.mu.RLock()
	peers := make([]Address, 0, len(hc.peers))
	for p := range hc.peers {
		peers = append(peers, p)
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(a Address) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
			defer cancel()
			rtt, err := hc.ping.Ping(ctx, a)

			hc.mu.Lock()
			ps, ok := hc.peers[a]
			if !ok {
				hc.mu.Unlock()
				return
			}
			if err != nil {
				ps.Misses++
			} else {
				ps.Misses = 0
				ms := float64(rtt.Milliseconds())
				if ps.EWMA == 0 {
					ps.EWMA = ms
				} else {
					ps.EWMA = hc.alpha*ms + (1-hc.alpha)*ps.EWMA
				}
			}
			ps.LastUpdate = time.Now()
			faulty := ps.Misses >= hc.maxMisses || ps.EWMA > hc.maxRTT
			hc.mu.Unlock()

			if faulty && hc.changer != nil && a == hc.changer.CurrentLeader() {
				hc.changer.ProposeViewChange("leader faulty")
			}
		}(addr)
	}
	wg.Wait()
}

// AddPeer registers a peer for health checking.
func (hc *HealthChecker) AddPeer(addr Address) {
	hc.mu.Lock()
	hc.peers[addr] = &peerStat{}
	hc.mu.Unlock()
}

// RemovePeer stops health checking a peer.
func (hc *HealthChecker) RemovePeer(addr Address) {
	hc.mu.Lock()
	delete(hc.peers, addr)
	hc.mu.Unlock()
}

// PeerInfo is a health snapshot entry for CLI/RPC inspection.
type PeerInfo struct {
	Address Address `json:"address"`
	RTT     float64 `json:"rtt_ms"`
	Misses  int     `json:"misses"`
	Updated int64   `json:"updated_unix"`
}

// Snapshot returns a point-in-time view of every tracked peer's health.
func (hc *HealthChecker) Snapshot() []PeerInfo {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]PeerInfo, 0, len(hc.peers))
	for addr, st := range hc.peers {
		out = append(out, PeerInfo{Address: addr, RTT: st.EWMA, Misses: st.Misses, Updated: st.LastUpdate.Unix()})
	}
	return out
}

// Reconfigure replaces the tracked peer set wholesale, used after a
// directory refresh changes the active validator roster.
func (hc *HealthChecker) Reconfigure(newPeers []Address) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.peers = make(map[Address]*peerStat)
	for _, p := range newPeers {
		hc.peers[p] = &peerStat{}
	}
}
