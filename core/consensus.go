package core

// consensus.go implements the aBFT voting automaton of §4.5: a single round
// is a value (Propose -> Prevote -> Precommit -> Commit) that transitions on
// external events delivered over a channel — vote arrival, timeout fire, or
// an externally observed finality — rather than a tree of callbacks (§9
// "Consensus round as a state machine, not callbacks").

import (
	"context"
	"math/big"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ConsensusNetwork is the narrow broadcast contract the driver needs from
// the gossip layer (gossip.go's Node satisfies it).
type ConsensusNetwork interface {
	Broadcast(topic GossipTopic, data []byte) error
}

// Proposer supplies the next candidate block for a height when this node is
// the deterministically rotated proposer. The mempool (mempool.go) is the
// concrete implementation: it drains validated-but-unfinalized blocks.
type Proposer interface {
	NextProposal(height uint64) (*Block, bool)
}

const (
	baseViewTimeout    = 4 * time.Second
	viewTimeoutBackoff = 2
	maxViewTimeout     = 2 * time.Minute
)

// roundState holds the mutable per-round bookkeeping: one QuorumTracker per
// distinct target seen in each phase, since a Byzantine proposer could
// induce votes for more than one candidate in the same round.
type roundState struct {
	round      uint32
	proposal   *Block
	prevotes   map[Hash]*QuorumTracker
	precommits map[Hash]*QuorumTracker
	precommitBy map[Address]Hash // equivocation detection within this round
	advancedToP bool             // already moved Prevote -> Precommit
}

func newRoundState(round uint32) *roundState {
	return &roundState{
		round:       round,
		prevotes:    make(map[Hash]*QuorumTracker),
		precommits:  make(map[Hash]*QuorumTracker),
		precommitBy: make(map[Address]Hash),
	}
}

// Driver is the per-height consensus state machine. One Driver instance
// lives for the process lifetime and advances through successive heights;
// at any moment it holds exactly one active round for its current height.
type Driver struct {
	ledger   *Ledger
	self     Address
	pub      []byte
	priv     []byte
	net      ConsensusNetwork
	proposer Proposer
	logger   *log.Logger

	inbound chan any

	mu            sync.Mutex // guards fields read by external status queries only
	height        uint64
	phase         Phase
	curRound      *roundState
	viewChanges   uint
	evidence      []Equivocation
	onFinalize    func(height uint64, b *Block)
}

// NewDriver constructs a Driver for the given ledger, seated at the next
// height after the ledger's current authoritative block count.
func NewDriver(ledger *Ledger, self Address, pub, priv []byte, net ConsensusNetwork, proposer Proposer, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Driver{
		ledger:   ledger,
		self:     self,
		pub:      pub,
		priv:     priv,
		net:      net,
		proposer: proposer,
		logger:   logger,
		inbound:  make(chan any, 256),
		height:   ledger.TotalBlockCount() + 1,
		phase:    PhasePrevote,
		curRound: newRoundState(0),
	}
}

// OnFinalize registers a callback invoked (from the driver's single
// goroutine) whenever a block reaches precommit quorum and is committed.
func (d *Driver) OnFinalize(fn func(height uint64, b *Block)) { d.onFinalize = fn }

// Start spawns the single-threaded driver loop. It returns immediately; the
// loop runs until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) {
	go d.run(ctx)
}

// events pushed onto the inbound channel by SubmitVote, SubmitProposal,
// NotifyExternalCommit and ProposeViewChange (viewchange.go).
type voteEvent struct{ vote Vote }
type proposalEvent struct{ block *Block }
type timeoutEvent struct {
	height uint64
	round  uint32
}
type externalCommitEvent struct {
	height uint64
	target Hash
}

// SubmitVote queues an externally received vote for processing by the
// driver's single goroutine. Safe to call from any goroutine (e.g. the
// gossip inbound handler).
func (d *Driver) SubmitVote(v Vote) { d.inbound <- voteEvent{vote: v} }

// SubmitProposal queues an externally received candidate block.
func (d *Driver) SubmitProposal(b *Block) { d.inbound <- proposalEvent{block: b} }

// NotifyExternalCommit informs the driver that height was finalized by some
// other path (e.g. fast-path sync adopted a snapshot past this height),
// cancelling any in-flight round for it per §4.5 "cancellation".
func (d *Driver) NotifyExternalCommit(height uint64, target Hash) {
	d.inbound <- externalCommitEvent{height: height, target: target}
}

func (d *Driver) run(ctx context.Context) {
	timer := time.NewTimer(baseViewTimeout)
	defer timer.Stop()
	d.tryPropose()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.inbound:
			switch e := ev.(type) {
			case voteEvent:
				d.handleVote(e.vote)
			case proposalEvent:
				d.handleProposal(e.block)
			case externalCommitEvent:
				d.handleExternalCommit(e.height, e.target)
			case timeoutEvent:
				if e.height == d.Height() && e.round == d.curRound.round {
					d.onTimeout()
				}
			}
		case <-timer.C:
			d.onTimeout()
		}
		d.resetTimer(timer)
	}
}

func (d *Driver) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d.currentTimeout())
}

func (d *Driver) currentTimeout() time.Duration {
	t := baseViewTimeout
	for i := uint(0); i < d.viewChanges; i++ {
		t *= viewTimeoutBackoff
		if t >= maxViewTimeout {
			return maxViewTimeout
		}
	}
	return t
}

// tryPropose broadcasts a candidate block if this node is the deterministic
// proposer for (height, current round).
func (d *Driver) tryPropose() {
	if d.proposerFor(d.height, d.curRound.round) != d.self || d.proposer == nil {
		return
	}
	block, ok := d.proposer.NextProposal(d.height)
	if !ok {
		return
	}
	d.curRound.proposal = block
	if d.net != nil {
		if data, err := encodeBlock(block); err == nil {
			_ = d.net.Broadcast(TopicBlock, data)
		}
	}
	d.castVote(PhasePrevote, block.SigningHash())
}

// handleProposal accepts a candidate for the current round and casts this
// node's own prevote for it.
func (d *Driver) handleProposal(b *Block) {
	if b == nil || b.ChainID != d.ledger.cfg.ChainID {
		return
	}
	expected := d.proposerFor(d.height, d.curRound.round)
	if expected.IsZero() || b.Account != expected {
		return
	}
	if err := ValidateStateless(b, d.ledger.cfg.DifficultyBits); err != nil {
		return
	}
	d.curRound.proposal = b
	d.castVote(PhasePrevote, b.SigningHash())
}

func (d *Driver) castVote(phase Phase, target Hash) {
	v := Vote{Height: d.height, Round: d.curRound.round, Phase: phase, Target: target}
	if err := v.Sign(d.self, d.pub, d.priv); err != nil {
		d.logger.WithError(err).Warn("consensus: sign vote")
		return
	}
	d.applyVote(v)
	if d.net != nil {
		if data, err := encodeVote(v); err == nil {
			_ = d.net.Broadcast(TopicVote, data)
		}
	}
}

func (d *Driver) handleVote(v Vote) {
	if v.Height < d.height {
		return // stale height: dropped, neither verified nor kept as evidence
	}
	if v.Height > d.height {
		return // not yet our round; sync.go is responsible for catch-up
	}
	ok, err := v.Verify()
	if err != nil || !ok {
		return
	}
	d.applyVote(v)
}

// applyVote tallies v into the current round's quorum trackers, detecting
// equivocation and advancing phases on quorum.
func (d *Driver) applyVote(v Vote) {
	if v.Round != d.curRound.round {
		return
	}
	weight := d.ledger.StakeOf(v.Voter)
	if weight.Sign() == 0 || d.ledger.IsSlashed(v.Voter) {
		return
	}

	switch v.Phase {
	case PhasePrevote:
		t, ok := d.curRound.prevotes[v.Target]
		if !ok {
			t = NewQuorumTracker(d.ledger.TotalStake())
			d.curRound.prevotes[v.Target] = t
		}
		t.AddVote(v.Voter, weight)
		if !d.curRound.advancedToP && t.HasQuorum() {
			d.curRound.advancedToP = true
			d.phase = PhasePrecommit
			d.castVote(PhasePrecommit, v.Target)
		}

	case PhasePrecommit:
		if prior, seen := d.curRound.precommitBy[v.Voter]; seen && prior != v.Target {
			d.recordEquivocation(v.Voter, prior, v.Target)
			return
		}
		d.curRound.precommitBy[v.Voter] = v.Target
		t, ok := d.curRound.precommits[v.Target]
		if !ok {
			t = NewQuorumTracker(d.ledger.TotalStake())
			d.curRound.precommits[v.Target] = t
		}
		t.AddVote(v.Voter, weight)
		if t.HasQuorum() {
			d.finalize(v.Target)
		}
	}
}

func (d *Driver) recordEquivocation(addr Address, first, second Hash) {
	ev := Equivocation{Validator: addr, Height: d.height, Round: d.curRound.round, First: first, Second: second}
	d.mu.Lock()
	d.evidence = append(d.evidence, ev)
	d.mu.Unlock()
	if _, err := d.ledger.SlashStake(addr, EquivocationSlashBp, "equivocation"); err != nil {
		d.logger.WithError(err).Warn("consensus: slash equivocating validator")
	}
	d.logger.WithFields(log.Fields{"validator": addr.String(), "height": d.height, "round": d.curRound.round}).
		Warn("consensus: equivocation detected, validator slashed")
}

// finalize commits target for the current height: the block (held as
// curRound.proposal, or already in the ledger via an earlier apply) is
// appended, the callback fires, and the driver advances to the next height
// with a reset timeout (§4.5 view-change backoff "resets on finality").
func (d *Driver) finalize(target Hash) {
	block := d.curRound.proposal
	if block == nil || block.SigningHash() != target {
		if b, ok := d.ledger.BlockByHash(target); ok {
			block = b
		}
	}
	if block != nil {
		if _, already := d.ledger.BlockByHash(target); !already {
			if err := d.ledger.AddBlock(block); err != nil {
				d.logger.WithError(err).Warn("consensus: finalize apply failed")
				return
			}
		}
	}
	if d.onFinalize != nil && block != nil {
		d.onFinalize(d.height, block)
	}
	d.advanceHeight()
}

func (d *Driver) handleExternalCommit(height uint64, target Hash) {
	if height < d.height {
		return
	}
	if height == d.height {
		d.finalize(target)
		return
	}
	d.mu.Lock()
	d.height = height + 1
	d.mu.Unlock()
	d.curRound = newRoundState(0)
	d.phase = PhasePrevote
	d.viewChanges = 0
	d.tryPropose()
}

func (d *Driver) advanceHeight() {
	d.mu.Lock()
	d.height++
	d.mu.Unlock()
	d.curRound = newRoundState(0)
	d.phase = PhasePrevote
	d.viewChanges = 0
	d.tryPropose()
}

// onTimeout implements view change: if Precommit quorum was not reached in
// time, start a fresh round with a deterministically rotated proposer and a
// backed-off timeout (§4.5).
func (d *Driver) onTimeout() {
	d.viewChanges++
	d.curRound = newRoundState(d.curRound.round + 1)
	d.phase = PhasePrevote
	d.logger.WithFields(log.Fields{"height": d.height, "round": d.curRound.round}).Info("consensus: view change")
	d.tryPropose()
}

// proposerFor deterministically rotates the proposer by stake weight: a
// pure integer selection (hash(height,round) mod total-stake, walked
// against cumulative stake in ascending-address order), never a
// probabilistic or floating-point lottery.
func (d *Driver) proposerFor(height uint64, round uint32) Address {
	validators := d.ledger.Validators()
	if len(validators) == 0 {
		return ZeroAddress
	}
	total := d.ledger.TotalStake()
	if total.Sign() == 0 {
		return ZeroAddress
	}
	seed := VoteSigningHash(height, round, 0, Sentinel)
	r := new(big.Int).Mod(new(big.Int).SetBytes(seed.Bytes()), total)
	cumulative := big.NewInt(0)
	var fallback Address
	for _, v := range validators {
		if d.ledger.IsSlashed(v) {
			continue
		}
		stake := d.ledger.StakeOf(v)
		if stake.Sign() == 0 {
			continue
		}
		fallback = v
		cumulative.Add(cumulative, stake)
		if r.Cmp(cumulative) < 0 {
			return v
		}
	}
	return fallback
}

// Height reports the height the driver is currently trying to finalize.
func (d *Driver) Height() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

// Evidence returns all equivocation evidence retained so far.
func (d *Driver) Evidence() []Equivocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Equivocation, len(d.evidence))
	copy(out, d.evidence)
	return out
}
