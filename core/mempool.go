package core

// mempool.go adapts the teacher's TxPool (transactions.go/txpool_addtx.go:
// mu-guarded lookup map plus FIFO queue, AddTx/Pick/Snapshot shape) from an
// Ethereum-style transaction pool to a block-lattice pool of per-account
// Blocks (§4.2, §4.6). Two queues replace the teacher's single queue: one
// for blocks ready to propose (previous already applied), one for blocks
// whose previous hasn't arrived yet, bounded by a TTL so a block that never
// finds its predecessor doesn't accumulate forever. It implements the
// Proposer interface consensus.go's Driver depends on.

import (
	"encoding/hex"
	"sync"
	"time"
)

const (
	// futureTTL bounds how long a block waits for its previous to show up
	// before the mempool drops it.
	futureTTL = 2 * time.Minute
)

type futureEntry struct {
	block   *Block
	arrived time.Time
}

// Mempool holds blocks awaiting proposal/finality, gated on their previous
// link already being applied to the ledger.
type Mempool struct {
	ledger *Ledger

	mu     sync.Mutex
	ready  []*Block            // previous already applied; proposable now
	lookup map[Hash]*Block     // by signing hash, across both queues
	future map[Hash]futureEntry // keyed by the missing previous hash
	autoRecv map[Hash]struct{}  // Send hashes that already have a queued/applied Receive
}

// NewMempool constructs an empty mempool bound to ledger.
func NewMempool(ledger *Ledger) *Mempool {
	return &Mempool{
		ledger:   ledger,
		lookup:   make(map[Hash]*Block),
		future:   make(map[Hash]futureEntry),
		autoRecv: make(map[Hash]struct{}),
	}
}

// Submit runs ValidateStateless on b and admits it if it passes. If its
// previous is already on-ledger (or its previous is the zero hash) it joins
// the ready queue; otherwise it waits in the future queue keyed by the
// previous hash it's blocked on.
func (p *Mempool) Submit(b *Block) error {
	if err := ValidateStateless(b, p.ledger.cfg.DifficultyBits); err != nil {
		return err
	}
	h := b.SigningHash()

	p.mu.Lock()
	if _, dup := p.lookup[h]; dup {
		p.mu.Unlock()
		return ErrDuplicateBlock
	}
	p.mu.Unlock()

	if b.BlockType == Receive {
		if !p.reserveAutoReceive(b) {
			return ErrDuplicateBlock
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.Previous.IsZero() {
		p.lookup[h] = b
		p.ready = append(p.ready, b)
		return nil
	}
	if _, onLedger := p.ledger.BlockByHash(b.Previous); onLedger {
		p.lookup[h] = b
		p.ready = append(p.ready, b)
		return nil
	}
	p.lookup[h] = b
	p.future[b.Previous] = futureEntry{block: b, arrived: time.Now()}
	return nil
}

// reserveAutoReceive enforces "at most one Receive per Send per account"
// (§4.2): Link carries the Send's hash for a Receive block.
func (p *Mempool) reserveAutoReceive(recv *Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, err := hex.DecodeString(recv.Link)
	if err != nil {
		return true
	}
	sendHash, ok := HashFromBytes(raw)
	if !ok {
		return true
	}
	if _, taken := p.autoRecv[sendHash]; taken {
		return false
	}
	p.autoRecv[sendHash] = struct{}{}
	return true
}

// Promote moves every future-queued block waiting on newlyApplied into the
// ready queue; called after a block is finalized so its dependents unblock
// without waiting for the next sweep.
func (p *Mempool) Promote(newlyApplied Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.future[newlyApplied]; ok {
		delete(p.future, newlyApplied)
		p.ready = append(p.ready, entry.block)
	}
}

// Sweep drops future-queued blocks older than futureTTL, returning how many
// were evicted.
func (p *Mempool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-futureTTL)
	evicted := 0
	for prev, entry := range p.future {
		if entry.arrived.Before(cutoff) {
			delete(p.future, prev)
			delete(p.lookup, entry.block.SigningHash())
			evicted++
		}
	}
	return evicted
}

// NextProposal implements consensus.go's Proposer: pop the oldest
// ready block, if any. height is accepted for interface compatibility;
// ordering is strictly FIFO within the ready queue regardless of height.
func (p *Mempool) NextProposal(height uint64) (*Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ready) == 0 {
		return nil, false
	}
	b := p.ready[0]
	p.ready = p.ready[1:]
	delete(p.lookup, b.SigningHash())
	return b, true
}

// Requeue puts a block back at the front of the ready queue, used when a
// proposal is rejected for a reason unrelated to the block itself (e.g. the
// driver lost the proposer race for that round).
func (p *Mempool) Requeue(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookup[b.SigningHash()] = b
	p.ready = append([]*Block{b}, p.ready...)
}

// Len reports the combined size of both queues.
func (p *Mempool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready) + len(p.future)
}

// Snapshot returns a point-in-time copy of the ready queue for CLI/RPC
// inspection.
func (p *Mempool) Snapshot() []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Block, len(p.ready))
	copy(out, p.ready)
	return out
}
