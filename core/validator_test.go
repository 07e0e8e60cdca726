package core

import (
	"math/big"
	"testing"
)

func fundedTestLedger(t *testing.T, addr Address, balance *big.Int) *Ledger {
	t.Helper()
	l := newTestLedger(t, &GenesisConfig{Accounts: map[Address]*big.Int{addr: balance}})
	return l
}

func TestRegisterValidatorRequiresMinimumBalance(t *testing.T) {
	_, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(0))

	err := l.RegisterValidator(Registration{Address: addr})
	if err != ErrInsufficientFunds {
		t.Fatalf("RegisterValidator with zero balance = %v, want ErrInsufficientFunds", err)
	}
	if l.IsRegistered(addr) {
		t.Fatalf("IsRegistered true after rejected registration")
	}
}

func TestRegisterValidatorAccepted(t *testing.T) {
	pub, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(MinRegistrationTokens))

	if err := l.RegisterValidator(Registration{Address: addr, PublicKey: pub, Timestamp: 1}); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}
	if !l.IsRegistered(addr) {
		t.Fatalf("IsRegistered false after accepted registration")
	}
	reg, ok := l.Registration(addr)
	if !ok || reg.Address != addr {
		t.Fatalf("Registration lookup failed: %+v, %v", reg, ok)
	}
}

func TestAdjustStakeClampsAtZero(t *testing.T) {
	_, _, addr := mustKeypair(t)
	l := fundedTestLedger(t, addr, TokensToAtoms(0))

	if err := l.AdjustStake(addr, TokensToAtoms(10)); err != nil {
		t.Fatalf("AdjustStake +10: %v", err)
	}
	if err := l.AdjustStake(addr, new(big.Int).Neg(TokensToAtoms(50))); err != nil {
		t.Fatalf("AdjustStake -50: %v", err)
	}
	if got := l.StakeOf(addr); got.Sign() != 0 {
		t.Fatalf("stake after over-slash = %s, want 0", got)
	}
}

func TestValidatorsEnumeratesOnlyStaked(t *testing.T) {
	_, _, a1 := mustKeypair(t)
	l := fundedTestLedger(t, a1, TokensToAtoms(1))

	if err := l.AdjustStake(a1, TokensToAtoms(5)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}

	vs := l.Validators()
	if len(vs) != 1 || vs[0] != a1 {
		t.Fatalf("Validators() = %v, want [%s] (only address with non-zero stake)", vs, a1)
	}
	if got := l.TotalStake(); got.Cmp(TokensToAtoms(5)) != 0 {
		t.Fatalf("TotalStake = %s, want 5 tokens", got)
	}
}
