package core

import (
	"math/big"
)

// Slashing penalties, expressed in integer basis points (bps) rather than a
// float64 fraction — 100 bps = 1%, 10000 bps = 100% — per §9's integer-only
// policy and §4.5's failure semantics.
const (
	UptimeSlashBps      uint32 = 100   // 1% stake burn for missed heartbeats
	EquivocationSlashBp uint32 = 10000 // 100% stake burn for double-signing
)

const stateKeySlashedPrefix = "slashed:"

func slashedKey(addr Address) []byte { return []byte(stateKeySlashedPrefix + addr.String()) }

// SlashStake burns bps/10000 of addr's current stake using integer
// basis-point arithmetic (BasisPointsOf, amount.go) — never a float64
// multiplier on a staked balance. Returns the atom amount burned.
func (l *Ledger) SlashStake(addr Address, bps uint32, reason string) (*big.Int, error) {
	var (
		burned *big.Int
		err    error
	)
	walkErr := l.WithLock(func(l *Ledger) error {
		cur := stakeOfLocked(l, addr)
		if cur.Sign() == 0 {
			burned = big.NewInt(0)
			return nil
		}
		burned, err = BasisPointsOf(cur, bps)
		if err != nil {
			return err
		}
		next := new(big.Int).Sub(cur, burned)
		if next.Sign() < 0 {
			next = big.NewInt(0)
		}
		setStakeLocked(l, addr, next)
		if bps >= EquivocationSlashBp {
			l.SetState(slashedKey(addr), []byte(reason))
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return burned, nil
}

// IsSlashed reports whether addr has been fully slashed (equivocation) and
// is therefore marked inactive, excluded from reward eligibility and
// proposer rotation until ClearSlashed lifts the flag; re-registering does
// not clear it.
func (l *Ledger) IsSlashed(addr Address) bool {
	var ok bool
	l.WithRLock(func(l *Ledger) { _, ok = l.GetState(slashedKey(addr)) })
	return ok
}

// ClearSlashed lifts the inactive flag, used when an operator re-stakes
// after an equivocation penalty.
func (l *Ledger) ClearSlashed(addr Address) {
	l.WithLock(func(l *Ledger) error {
		l.DeleteState(slashedKey(addr))
		return nil
	})
}
