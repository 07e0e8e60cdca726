package core

import (
	"math/big"
	"testing"
)

func TestSlashStakeUptimeBasisPoints(t *testing.T) {
	_, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(0))
	if err := l.AdjustStake(addr, TokensToAtoms(1000)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}

	burned, err := l.SlashStake(addr, UptimeSlashBps, "missed heartbeat")
	if err != nil {
		t.Fatalf("SlashStake: %v", err)
	}
	wantBurn := TokensToAtoms(10) // 1% of 1000
	if burned.Cmp(wantBurn) != 0 {
		t.Fatalf("burned = %s, want %s", burned, wantBurn)
	}
	if got := l.StakeOf(addr); got.Cmp(TokensToAtoms(990)) != 0 {
		t.Fatalf("remaining stake = %s, want 990 tokens", got)
	}
	if l.IsSlashed(addr) {
		t.Fatalf("uptime slash marked validator inactive, want only equivocation to do that")
	}
}

func TestSlashStakeEquivocationMarksInactive(t *testing.T) {
	_, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(0))
	if err := l.AdjustStake(addr, TokensToAtoms(1000)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}

	burned, err := l.SlashStake(addr, EquivocationSlashBp, "double sign")
	if err != nil {
		t.Fatalf("SlashStake: %v", err)
	}
	if burned.Cmp(TokensToAtoms(1000)) != 0 {
		t.Fatalf("burned = %s, want full 1000 tokens", burned)
	}
	if got := l.StakeOf(addr); got.Sign() != 0 {
		t.Fatalf("remaining stake after 100%% slash = %s, want 0", got)
	}
	if !l.IsSlashed(addr) {
		t.Fatalf("equivocation slash did not mark validator inactive")
	}

	l.ClearSlashed(addr)
	if l.IsSlashed(addr) {
		t.Fatalf("ClearSlashed did not lift the inactive flag")
	}
}

func TestSlashStakeZeroStakeIsNoop(t *testing.T) {
	_, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(0))

	burned, err := l.SlashStake(addr, EquivocationSlashBp, "double sign")
	if err != nil {
		t.Fatalf("SlashStake: %v", err)
	}
	if burned.Sign() != 0 {
		t.Fatalf("burned = %s, want 0 for a never-staked address", burned)
	}
	if got := new(big.Int).Set(burned); got.Sign() != 0 {
		t.Fatalf("unexpected burn amount: %s", got)
	}
}
