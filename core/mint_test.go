package core

import (
	"math/big"
	"testing"
	"time"
)

func TestMintSchedulerEpoch(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	m := NewMintScheduler(l, 1, 1_000, time.Minute)

	if got := m.Epoch(1_000); got != 0 {
		t.Fatalf("Epoch(genesis) = %d, want 0", got)
	}
	if got := m.Epoch(1_000 + 60); got != 1 {
		t.Fatalf("Epoch(genesis+60s) = %d, want 1", got)
	}
	if got := m.Epoch(1_000 + 119); got != 1 {
		t.Fatalf("Epoch(genesis+119s) = %d, want 1 (still inside epoch 1)", got)
	}
}

func TestMintSchedulerRewardHalves(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	m := NewMintScheduler(l, 1, 0, time.Minute)
	m.halvingPeriod = 10

	base := m.Reward(0)
	halved := m.Reward(10)
	want := new(big.Int).Rsh(base, 1)
	if halved.Cmp(want) != 0 {
		t.Fatalf("Reward(10) = %s, want %s (half of Reward(0) = %s)", halved, want, base)
	}
}

func TestMintSchedulerSubmitMintCreditsAccountOnce(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	m := NewMintScheduler(l, 1, 0, time.Hour)
	_, _, addr := mustKeypair(t)

	nonce, err := m.SolvePoW(addr, 0)
	if err != nil {
		t.Fatalf("SolvePoW: %v", err)
	}
	block, err := m.SubmitMint(addr, 0, nonce, 1)
	if err != nil {
		t.Fatalf("SubmitMint: %v", err)
	}
	acct, ok := l.GetAccount(addr)
	if !ok || acct.Balance.Cmp(block.Amount) != 0 {
		t.Fatalf("account balance after mint = %+v, want %s", acct, block.Amount)
	}

	// A second mint for the same address/epoch must be rejected: dedup is
	// enforced atomically in Ledger.applyLocked keyed off the epoch link tag.
	if _, err := m.SubmitMint(addr, 0, nonce, 2); err != ErrDuplicateMint {
		t.Fatalf("second mint for same epoch = %v, want ErrDuplicateMint", err)
	}
}

func TestMintSchedulerRetargetIfDueMovesTowardTarget(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	m := NewMintScheduler(l, 1, 0, time.Hour)
	m.targetMiners = 0 // any miner at all exceeds the target

	_, _, addr := mustKeypair(t)
	nonce, err := m.SolvePoW(addr, 0)
	if err != nil {
		t.Fatalf("SolvePoW: %v", err)
	}
	if _, err := m.SubmitMint(addr, 0, nonce, 1); err != nil {
		t.Fatalf("SubmitMint: %v", err)
	}

	before := m.DifficultyBits()
	m.RetargetIfDue(0)
	after := m.DifficultyBits()
	if after != before+1 {
		t.Fatalf("difficulty after retarget = %d, want %d (one miner exceeded target of 0)", after, before+1)
	}

	// A repeated call for the same completed epoch must be a no-op.
	m.RetargetIfDue(0)
	if got := m.DifficultyBits(); got != after {
		t.Fatalf("difficulty after repeated retarget call = %d, want unchanged %d", got, after)
	}
}
