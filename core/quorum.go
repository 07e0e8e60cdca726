package core

import (
	"math/big"
	"sync"
)

// QuorumTracker accumulates stake-weighted votes for a single ballot box: one
// (height, round, phase, target) tuple. There is no package-level shared
// instance (§9 forbids implicit process-wide mutable globals in consensus
// logic) — every tracker is constructed and owned by the roundState map
// (consensus.go) that is actively tallying it, keyed by target hash since
// height/round/phase are already implicit in which map holds the entry. A
// voter's weight is its staked atom count, linear — never count-based and
// never square-rooted (§4.5 forbids quadratic weighting at the voting
// layer).
type QuorumTracker struct {
	mu        sync.Mutex
	total     *big.Int
	threshold *big.Int // strictly-greater-than threshold: quorum when tally > threshold
	seen      map[Address]struct{}
	tally     *big.Int
}

// NewQuorumTracker builds a tracker for a validator set with the given total
// stake. Quorum is reached once tallied stake exceeds 2*total/3 (strictly
// greater than, per "> 2S/3" in §4.5).
func NewQuorumTracker(totalStake *big.Int) *QuorumTracker {
	threshold := new(big.Int).Mul(totalStake, big.NewInt(2))
	threshold.Quo(threshold, big.NewInt(3))
	return &QuorumTracker{
		total:     new(big.Int).Set(totalStake),
		threshold: threshold,
		seen:      make(map[Address]struct{}),
		tally:     big.NewInt(0),
	}
}

// AddVote records addr's stake weight exactly once (a repeated vote from the
// same address is a no-op, not double-counted) and returns the running
// tally.
func (q *QuorumTracker) AddVote(addr Address, weight *big.Int) *big.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[addr]; ok {
		return new(big.Int).Set(q.tally)
	}
	q.seen[addr] = struct{}{}
	q.tally.Add(q.tally, weight)
	return new(big.Int).Set(q.tally)
}

// HasQuorum reports whether the tallied stake exceeds 2/3 of total stake.
func (q *QuorumTracker) HasQuorum() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tally.Cmp(q.threshold) > 0
}

// Tally returns the current stake-weighted tally.
func (q *QuorumTracker) Tally() *big.Int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return new(big.Int).Set(q.tally)
}
