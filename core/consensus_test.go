package core

import (
	"math/big"
	"testing"
)

type fakeConsensusNet struct {
	broadcasts []GossipTopic
}

func (f *fakeConsensusNet) Broadcast(topic GossipTopic, data []byte) error {
	f.broadcasts = append(f.broadcasts, topic)
	return nil
}

type fakeProposer struct {
	block *Block
	used  bool
}

func (f *fakeProposer) NextProposal(height uint64) (*Block, bool) {
	if f.used || f.block == nil {
		return nil, false
	}
	f.used = true
	return f.block, true
}

func TestDriverProposerForSingleValidatorAlwaysWins(t *testing.T) {
	_, _, self := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{Accounts: map[Address]*big.Int{self: TokensToAtoms(10)}})
	if err := l.AdjustStake(self, TokensToAtoms(10)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	pub, priv, _ := mustKeypair(t)
	d := NewDriver(l, self, pub, priv, &fakeConsensusNet{}, nil, nil)

	for round := uint32(0); round < 5; round++ {
		if got := d.proposerFor(1, round); got != self {
			t.Fatalf("proposerFor(1, %d) = %s, want the sole validator %s", round, got, self)
		}
	}
}

func TestDriverFinalizesOnSingleValidatorQuorum(t *testing.T) {
	_, _, self := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{Accounts: map[Address]*big.Int{self: TokensToAtoms(10)}})
	if err := l.AdjustStake(self, TokensToAtoms(10)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	pub, priv, _ := mustKeypair(t)
	_, _, minter := mustKeypair(t)
	candidate := &Block{ChainID: 1, Account: minter, BlockType: Mint, Amount: TokensToAtoms(1), Fee: big.NewInt(0)}

	net := &fakeConsensusNet{}
	prop := &fakeProposer{block: candidate}
	d := NewDriver(l, self, pub, priv, net, prop, nil)

	var finalizedHeight uint64
	var finalizedBlock *Block
	d.OnFinalize(func(h uint64, b *Block) { finalizedHeight = h; finalizedBlock = b })

	startHeight := d.Height()
	d.tryPropose()

	if finalizedBlock == nil {
		t.Fatalf("OnFinalize callback never fired for the sole validator's own quorum")
	}
	if finalizedHeight != startHeight {
		t.Fatalf("finalized height = %d, want %d", finalizedHeight, startHeight)
	}
	if finalizedBlock.SigningHash() != candidate.SigningHash() {
		t.Fatalf("finalized block does not match the proposed candidate")
	}
	if _, ok := l.BlockByHash(candidate.SigningHash()); !ok {
		t.Fatalf("finalized block was not applied to the ledger")
	}
	if len(net.broadcasts) < 2 {
		t.Fatalf("broadcasts = %v, want at least a BLOCK and a PREVOTE", net.broadcasts)
	}
	if d.Height() != startHeight+1 {
		t.Fatalf("Height after finalize = %d, want %d", d.Height(), startHeight+1)
	}
}

func TestDriverApplyVoteIgnoresWrongRound(t *testing.T) {
	_, _, self := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{Accounts: map[Address]*big.Int{self: TokensToAtoms(10)}})
	if err := l.AdjustStake(self, TokensToAtoms(10)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	pub, priv, _ := mustKeypair(t)
	d := NewDriver(l, self, pub, priv, &fakeConsensusNet{}, nil, nil)

	v := Vote{Height: d.Height(), Round: d.curRound.round + 1, Phase: PhasePrevote, Target: Sentinel}
	if err := v.Sign(self, pub, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	d.applyVote(v)

	if len(d.curRound.prevotes) != 0 {
		t.Fatalf("a vote for a different round was tallied into the current round")
	}
}

func TestDriverApplyVoteIgnoresZeroStakeVoter(t *testing.T) {
	_, _, self := mustKeypair(t)
	l := newTestLedger(t, &GenesisConfig{Accounts: map[Address]*big.Int{self: TokensToAtoms(10)}})
	if err := l.AdjustStake(self, TokensToAtoms(10)); err != nil {
		t.Fatalf("AdjustStake: %v", err)
	}
	pub, priv, _ := mustKeypair(t)
	d := NewDriver(l, self, pub, priv, &fakeConsensusNet{}, nil, nil)

	outsiderPub, outsiderPriv, outsider := mustKeypair(t)
	v := Vote{Height: d.Height(), Round: d.curRound.round, Phase: PhasePrevote, Target: Sentinel}
	if err := v.Sign(outsider, outsiderPub, outsiderPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	d.applyVote(v)

	if len(d.curRound.prevotes) != 0 {
		t.Fatalf("a vote from a validator with zero stake was tallied")
	}
}
