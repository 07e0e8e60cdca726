package core

import (
	"encoding/json"
	"math/big"
)

// Validator registration and stake bookkeeping (§4.7). Stake, registration,
// and genesis-membership records live in the ledger's generic state area
// (ledger.go's GetState/SetState) rather than a bespoke store, so they share
// the ledger's single-writer lock and its snapshot persistence instead of
// inventing a second source of truth. The WAL records only blocks and pool
// totals, so state set after the last snapshot is not replayed on restart.
const (
	stateKeyStakePrefix = "stake:"
	stateKeyRegPrefix   = "reg:"
)

// MinRegistrationTokens is the minimum on-chain balance required for a
// registration to be accepted (§4.7: "e.g., 1 token").
var MinRegistrationTokens = uint64(1)

// MinRewardEligibilityTokens is the minimum stake required for reward
// eligibility (§4.7: "e.g., 1000 tokens").
var MinRewardEligibilityTokens = uint64(1000)

// Registration is the persisted record of a validator's announcement
// (§4.7). Genesis is true for validators seeded at chain start, who are
// permanently excluded from reward eligibility but still participate in
// consensus voting by stake.
type Registration struct {
	Address   Address `json:"address"`
	PublicKey []byte  `json:"public_key"`
	Timestamp uint64  `json:"timestamp"`
	Genesis   bool    `json:"genesis"`
}

func stakeKey(addr Address) []byte { return []byte(stateKeyStakePrefix + addr.String()) }
func regKey(addr Address) []byte   { return []byte(stateKeyRegPrefix + addr.String()) }

// stakeOfLocked reads addr's stake. Caller must hold the ledger lock.
func stakeOfLocked(l *Ledger, addr Address) *big.Int {
	v, ok := l.GetState(stakeKey(addr))
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).SetBytes(v)
}

// setStakeLocked overwrites addr's stake. Caller must hold the ledger lock.
func setStakeLocked(l *Ledger, addr Address, amt *big.Int) {
	if amt.Sign() <= 0 {
		l.DeleteState(stakeKey(addr))
		return
	}
	l.SetState(stakeKey(addr), amt.Bytes())
}

// StakeOf returns addr's current stake (0 if never staked).
func (l *Ledger) StakeOf(addr Address) *big.Int {
	var out *big.Int
	l.WithRLock(func(l *Ledger) { out = stakeOfLocked(l, addr) })
	return out
}

// AdjustStake applies delta (which may be negative) to addr's stake,
// clamping at zero rather than going negative (a slash cannot underflow
// stake below nothing).
func (l *Ledger) AdjustStake(addr Address, delta *big.Int) error {
	return l.WithLock(func(l *Ledger) error {
		cur := stakeOfLocked(l, addr)
		next := new(big.Int).Add(cur, delta)
		if next.Sign() < 0 {
			next = big.NewInt(0)
		}
		setStakeLocked(l, addr, next)
		return nil
	})
}

// RegisterValidator records a registration (§4.7) for an address holding at
// least MinRegistrationTokens. A Registration carries no signature and none
// is checked here. RegistrationSigningHash gives the domain-separated digest
// of address + pubkey + timestamp for callers that sign a registration.
func (l *Ledger) RegisterValidator(reg Registration) error {
	return l.WithLock(func(l *Ledger) error {
		acct, ok := l.accounts[reg.Address]
		if !ok || TokensToAtoms(MinRegistrationTokens).Cmp(acct.Balance) > 0 {
			return ErrInsufficientFunds
		}
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		l.SetState(regKey(reg.Address), data)
		return nil
	})
}

// RegistrationSigningHash is the canonical message a registration is signed
// over: protocol tag, address, public key, timestamp.
func RegistrationSigningHash(addr Address, pubKey []byte, timestamp uint64) Hash {
	var ts [8]byte
	putU64BE(ts[:], timestamp)
	return digest(domainRegister, []byte(addr.String()), pubKey, ts[:])
}

// IsRegistered reports whether addr has an active registration.
func (l *Ledger) IsRegistered(addr Address) bool {
	var ok bool
	l.WithRLock(func(l *Ledger) { _, ok = l.GetState(regKey(addr)) })
	return ok
}

// Registration returns addr's registration record, if any.
func (l *Ledger) Registration(addr Address) (Registration, bool) {
	var (
		reg Registration
		ok  bool
	)
	l.WithRLock(func(l *Ledger) {
		var raw []byte
		raw, ok = l.GetState(regKey(addr))
		if ok {
			ok = json.Unmarshal(raw, &reg) == nil
		}
	})
	return reg, ok
}

// Validators lists every address with a non-zero stake, ascending by
// address — the deterministic ordering the consensus proposer rotation and
// reward disbursement both depend on.
func (l *Ledger) Validators() []Address {
	var out []Address
	l.WithRLock(func(l *Ledger) {
		for _, k := range l.PrefixIterator([]byte(stateKeyStakePrefix)) {
			addrStr := k[len(stateKeyStakePrefix):]
			addr, err := ParseAddress(addrStr)
			if err != nil {
				continue
			}
			out = append(out, addr)
		}
	})
	return out
}

// TotalStake sums stake across every validator.
func (l *Ledger) TotalStake() *big.Int {
	total := big.NewInt(0)
	for _, addr := range l.Validators() {
		total.Add(total, l.StakeOf(addr))
	}
	return total
}
