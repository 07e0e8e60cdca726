package core

import (
	"math/big"
	"testing"
)

func registeredValidatorLedger(t *testing.T, addr Address, pub []byte, stake *big.Int, rewardPool *big.Int) *Ledger {
	t.Helper()
	l := newTestLedger(t, &GenesisConfig{
		Accounts:   map[Address]*big.Int{addr: TokensToAtoms(MinRegistrationTokens)},
		RewardPool: rewardPool,
	})
	if err := l.RegisterValidator(Registration{Address: addr, PublicKey: pub, Timestamp: 1}); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}
	if err := l.AdjustStake(addr, stake); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	return l
}

func TestRewardSchedulerEligibleRequiresStakeAndRegistration(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	l := registeredValidatorLedger(t, addr, pub, TokensToAtoms(MinRewardEligibilityTokens), TokensToAtoms(1_000_000))
	r := NewRewardScheduler(l)

	if !r.eligible(addr, 0) {
		t.Fatalf("registered validator with sufficient stake and no expected heartbeat should be eligible")
	}

	_, _, under := mustKeypair(t)
	if r.eligible(under, 0) {
		t.Fatalf("unregistered address should never be eligible")
	}
}

func TestRewardSchedulerGenesisValidatorNeverEligible(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{
		Accounts:   map[Address]*big.Int{addr: TokensToAtoms(MinRegistrationTokens)},
		RewardPool: TokensToAtoms(1_000_000),
	})
	if err := l.RegisterValidator(Registration{Address: addr, PublicKey: pub, Timestamp: 1, Genesis: true}); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}
	if err := l.AdjustStake(addr, TokensToAtoms(MinRewardEligibilityTokens)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}

	r := NewRewardScheduler(l)
	if r.eligible(addr, 0) {
		t.Fatalf("genesis validator reported eligible, want permanently excluded")
	}
}

func TestRewardSchedulerMissedExpectedHeartbeatIsIneligible(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	l := registeredValidatorLedger(t, addr, pub, TokensToAtoms(MinRewardEligibilityTokens), TokensToAtoms(1_000_000))
	r := NewRewardScheduler(l)

	r.ExpectHeartbeat(addr, 0)
	if r.eligible(addr, 0) {
		t.Fatalf("validator with an expected but unreceived heartbeat should be ineligible")
	}

	r.RecordHeartbeat(addr, 0)
	if !r.eligible(addr, 0) {
		t.Fatalf("validator should become eligible once the expected heartbeat is received")
	}
}

func TestRewardSchedulerDisburseEpochPaysEligibleValidatorOnce(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	l := registeredValidatorLedger(t, addr, pub, TokensToAtoms(MinRewardEligibilityTokens), TokensToAtoms(1_000_000))
	r := NewRewardScheduler(l)

	blocks, err := r.DisburseEpoch(0)
	if err != nil {
		t.Fatalf("DisburseEpoch: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Account != addr {
		t.Fatalf("DisburseEpoch blocks = %v, want one payout to %s", blocks, addr)
	}
	acct, ok := l.GetAccount(addr)
	wantBal := new(big.Int).Add(TokensToAtoms(MinRegistrationTokens), blocks[0].Amount)
	if !ok || acct.Balance.Cmp(wantBal) != 0 {
		t.Fatalf("account balance after payout = %+v, want %s", acct, wantBal)
	}

	again, err := r.DisburseEpoch(0)
	if err != nil {
		t.Fatalf("second DisburseEpoch(0): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("repeated DisburseEpoch for an already-paid epoch = %d blocks, want 0", len(again))
	}
}

func TestRewardSchedulerDisburseEpochSplitsByStake(t *testing.T) {
	pub1, _, a1 := mustKeypair(t)
	pub2, _, a2 := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{
		Accounts: map[Address]*big.Int{
			a1: TokensToAtoms(MinRegistrationTokens),
			a2: TokensToAtoms(MinRegistrationTokens),
		},
		RewardPool: TokensToAtoms(1_000_000),
	})
	if err := l.RegisterValidator(Registration{Address: a1, PublicKey: pub1, Timestamp: 1}); err != nil {
		t.Fatalf("RegisterValidator a1: %v", err)
	}
	if err := l.RegisterValidator(Registration{Address: a2, PublicKey: pub2, Timestamp: 1}); err != nil {
		t.Fatalf("RegisterValidator a2: %v", err)
	}
	if err := l.AdjustStake(a1, TokensToAtoms(MinRewardEligibilityTokens)); err != nil {
		t.Fatalf("AdjustStake a1: %v", err)
	}
	if err := l.AdjustStake(a2, TokensToAtoms(2*MinRewardEligibilityTokens)); err != nil {
		t.Fatalf("AdjustStake a2: %v", err)
	}

	r := NewRewardScheduler(l)
	blocks, err := r.DisburseEpoch(0)
	if err != nil {
		t.Fatalf("DisburseEpoch: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("DisburseEpoch blocks = %d, want 2", len(blocks))
	}

	shares := map[Address]*big.Int{}
	for _, b := range blocks {
		shares[b.Account] = b.Amount
	}
	// a2 staked twice a1's amount, so its share must be roughly twice a1's
	// (truncated division can leave a2's share one atom ahead of a1*2).
	twiceA1 := new(big.Int).Mul(shares[a1], big.NewInt(2))
	diff := new(big.Int).Sub(twiceA1, shares[a2])
	diff.Abs(diff)
	if diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("share(a1)=%s share(a2)=%s not stake-proportional (2:1)", shares[a1], shares[a2])
	}
}

func TestRewardSchedulerBudgetClampsToPool(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	small := TokensToAtoms(1)
	l := registeredValidatorLedger(t, addr, pub, TokensToAtoms(MinRewardEligibilityTokens), small)
	r := NewRewardScheduler(l)

	if got := r.Budget(0); got.Cmp(small) != 0 {
		t.Fatalf("Budget(0) = %s, want pool balance %s (base budget exceeds pool)", got, small)
	}
}
