package core

// rewards.go implements validator reward distribution (§4.7): heartbeat
// uptime tracking, eligibility gating, and epoch-boundary linear
// stake-weighted payout from the sealed, halving reward pool via
// creditRewardPool/debitRewardPool — the two methods the maintainer review
// flagged as dead code with zero call sites.

import (
	"fmt"
	"math/big"
)

const (
	// DefaultRewardHalvingPeriod halves the per-epoch reward budget every
	// this many epochs.
	DefaultRewardHalvingPeriod uint64 = 105_000

	// MinUptimeBps is the minimum display uptime (in basis points of 100%)
	// required for reward eligibility: 9500 = 95%.
	MinUptimeBps uint32 = 9500
)

const (
	stateKeyHeartbeatExpected = "hb:expected:" // + epoch + ":" + addr
	stateKeyHeartbeatReceived = "hb:received:" // + epoch + ":" + addr
	stateKeyRewardPaidEpoch   = "reward:paid-epoch"
)

// RewardScheduler disburses the sealed validator reward pool at epoch
// boundaries.
type RewardScheduler struct {
	ledger        *Ledger
	baseBudget    *big.Int
	halvingPeriod uint64
}

// DefaultRewardBaseBudget is the starting per-epoch reward budget.
func DefaultRewardBaseBudget() *big.Int { return TokensToAtoms(5_000) }

// NewRewardScheduler constructs a scheduler drawing from ledger.RewardPool.
func NewRewardScheduler(ledger *Ledger) *RewardScheduler {
	return &RewardScheduler{
		ledger:        ledger,
		baseBudget:    DefaultRewardBaseBudget(),
		halvingPeriod: DefaultRewardHalvingPeriod,
	}
}

// RecordHeartbeat marks validator addr as having sent a liveness heartbeat
// in epoch. Call sites: the HEARTBEAT topic relay in cmd/synnergy
// (relayHeartbeats).
func (r *RewardScheduler) RecordHeartbeat(addr Address, epoch uint64) {
	r.ledger.WithLock(func(l *Ledger) error {
		l.SetState([]byte(fmt.Sprintf("%s%d:%s", stateKeyHeartbeatReceived, epoch, addr.String())), []byte{1})
		return nil
	})
}

// ExpectHeartbeat marks that addr was an active validator during epoch and
// therefore owed a heartbeat, so the denominator of the uptime ratio is
// known even if the node never hears from them again. cmd/synnergy does not
// call it, so in the node binary no heartbeat is ever expected and every
// validator's uptime reads as 100%.
func (r *RewardScheduler) ExpectHeartbeat(addr Address, epoch uint64) {
	r.ledger.WithLock(func(l *Ledger) error {
		l.SetState([]byte(fmt.Sprintf("%s%d:%s", stateKeyHeartbeatExpected, epoch, addr.String())), []byte{1})
		return nil
	})
}

// uptimeBps returns addr's display uptime in basis points for a single
// epoch: 10000 (100%) if no heartbeat was expected (a newly registered
// validator, §4.7), else 10000 if received, 0 if missed.
func (r *RewardScheduler) uptimeBps(addr Address, epoch uint64) uint32 {
	_, expected := r.ledger.GetState([]byte(fmt.Sprintf("%s%d:%s", stateKeyHeartbeatExpected, epoch, addr.String())))
	if !expected {
		return 10000
	}
	_, received := r.ledger.GetState([]byte(fmt.Sprintf("%s%d:%s", stateKeyHeartbeatReceived, epoch, addr.String())))
	if received {
		return 10000
	}
	return 0
}

// DisplayUptime returns the max of the current and prior epoch's uptime
// (§4.7: "to avoid a 0% reading at boundary transitions").
func (r *RewardScheduler) DisplayUptime(addr Address, epoch uint64) uint32 {
	var cur uint32
	r.ledger.WithRLock(func(l *Ledger) { cur = r.uptimeBps(addr, epoch) })
	if epoch == 0 {
		return cur
	}
	var prior uint32
	r.ledger.WithRLock(func(l *Ledger) { prior = r.uptimeBps(addr, epoch-1) })
	if prior > cur {
		return prior
	}
	return cur
}

// Budget returns the reward budget for epoch: base halved every
// halvingPeriod epochs (pure integer shift), clamped to whatever remains in
// the sealed pool.
func (r *RewardScheduler) Budget(epoch uint64) *big.Int {
	want := HalvingAmount(r.baseBudget, epoch, r.halvingPeriod)
	pool := r.ledger.RewardPool()
	if want.Cmp(pool) > 0 {
		return pool
	}
	return want
}

// eligible reports whether addr qualifies for a reward payout this epoch:
// registered, not genesis, not slashed, meets the minimum stake, and meets
// the uptime floor (§4.7).
func (r *RewardScheduler) eligible(addr Address, epoch uint64) bool {
	reg, ok := r.ledger.Registration(addr)
	if !ok || reg.Genesis {
		return false
	}
	if r.ledger.IsSlashed(addr) {
		return false
	}
	if r.ledger.StakeOf(addr).Cmp(TokensToAtoms(MinRewardEligibilityTokens)) < 0 {
		return false
	}
	return r.DisplayUptime(addr, epoch) >= MinUptimeBps
}

// DisburseEpoch pays out epoch's budget to every eligible validator,
// weighted by stake, using integer-truncated division (MulDiv) so the
// residual from rounding stays in the pool rather than being invented or
// lost (§4.7: "truncation toward zero, residual remains in the pool"). It
// is idempotent per epoch: a repeated call for an already-paid epoch is a
// no-op.
func (r *RewardScheduler) DisburseEpoch(epoch uint64) ([]*Block, error) {
	var already bool
	r.ledger.WithRLock(func(l *Ledger) {
		v, ok := l.GetState([]byte(stateKeyRewardPaidEpoch))
		already = ok && len(v) == 8 && beU64(v) >= epoch+1
	})
	if already {
		return nil, nil
	}

	budget := r.Budget(epoch)
	if budget.Sign() <= 0 {
		return nil, nil
	}

	var eligible []Address
	totalStake := big.NewInt(0)
	for _, addr := range r.ledger.Validators() {
		if !r.eligible(addr, epoch) {
			continue
		}
		eligible = append(eligible, addr)
		totalStake.Add(totalStake, r.ledger.StakeOf(addr))
	}
	if len(eligible) == 0 || totalStake.Sign() == 0 {
		return nil, nil
	}

	// Each payout is still a chain-linked block, never a bare balance
	// write: crediting a validator without extending its account chain
	// would be exactly the ghost-block defect §4.6 prohibits. The block's
	// "reward-epoch:" link routes the ledger's Mint apply path to debit
	// rewardPool instead of remainingMint, and doubles as the per-address
	// per-epoch dedup key so a validator can only be paid once per epoch.
	var blocks []*Block
	for _, addr := range eligible {
		share, err := MulDiv(budget, r.ledger.StakeOf(addr), totalStake)
		if err != nil || share.Sign() <= 0 {
			continue
		}
		acct, _ := r.ledger.GetAccount(addr)
		prev := Sentinel
		if acct != nil {
			prev = acct.Head
		}
		block := &Block{
			ChainID:   r.ledger.cfg.ChainID,
			Account:   addr,
			Previous:  prev,
			BlockType: Mint,
			Amount:    share,
			Link:      fmt.Sprintf("reward-epoch:%d", epoch),
			Fee:       big.NewInt(0),
		}
		if err := r.ledger.AddBlock(block); err != nil {
			continue
		}
		blocks = append(blocks, block)
	}

	r.ledger.WithLock(func(l *Ledger) error {
		var buf [8]byte
		putU64BE(buf[:], epoch+1)
		l.SetState([]byte(stateKeyRewardPaidEpoch), buf[:])
		return nil
	})
	return blocks, nil
}
