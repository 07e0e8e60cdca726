package core

import (
	"encoding/hex"
	"math/big"
	"testing"
	"time"
)

func TestMempoolSubmitReadyWhenPreviousIsZero(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	p := NewMempool(l)
	pub, priv, addr := mustKeypair(t)

	b := signedBlock(t, priv, pub, &Block{
		ChainID: 1, Account: addr, BlockType: Mint, Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	got, ok := p.NextProposal(0)
	if !ok || got.SigningHash() != b.SigningHash() {
		t.Fatalf("NextProposal = %+v, %v, want the submitted block", got, ok)
	}
	if p.Len() != 0 {
		t.Fatalf("Len after NextProposal = %d, want 0", p.Len())
	}
}

func TestMempoolSubmitDuplicateRejected(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	p := NewMempool(l)
	pub, priv, addr := mustKeypair(t)

	b := signedBlock(t, priv, pub, &Block{
		ChainID: 1, Account: addr, BlockType: Mint, Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(b); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := p.Submit(b); err != ErrDuplicateBlock {
		t.Fatalf("second Submit = %v, want ErrDuplicateBlock", err)
	}
}

func TestMempoolFutureQueueWaitsForPrevious(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	p := NewMempool(l)
	pub, priv, addr := mustKeypair(t)

	// missing is a previous hash that never lands on the ledger: the block
	// referencing it belongs in the future queue, not the ready queue.
	missing, _ := HashFromBytes(make([]byte, 32))
	missing[0] = 0xde
	b := signedBlock(t, priv, pub, &Block{
		ChainID: 1, Account: addr, Previous: missing, BlockType: Send,
		Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, ok := p.NextProposal(0); ok {
		t.Fatalf("NextProposal returned a block still waiting on its previous")
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (queued in the future queue)", p.Len())
	}

	p.Promote(missing)
	got, ok := p.NextProposal(0)
	if !ok || got.SigningHash() != b.SigningHash() {
		t.Fatalf("NextProposal after Promote = %+v, %v, want the promoted block", got, ok)
	}
}

func TestMempoolSweepEvictsExpiredFutureEntries(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	p := NewMempool(l)
	pub, priv, addr := mustKeypair(t)

	missing, _ := HashFromBytes(make([]byte, 32))
	missing[0] = 0xca
	b := signedBlock(t, priv, pub, &Block{
		ChainID: 1, Account: addr, Previous: missing, BlockType: Send,
		Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(b); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Backdate the entry past futureTTL directly rather than sleeping for
	// real minutes in a unit test.
	p.mu.Lock()
	entry := p.future[missing]
	entry.arrived = time.Now().Add(-futureTTL - time.Second)
	p.future[missing] = entry
	p.mu.Unlock()

	if evicted := p.Sweep(); evicted != 1 {
		t.Fatalf("Sweep evicted %d, want 1", evicted)
	}
	if p.Len() != 0 {
		t.Fatalf("Len after Sweep = %d, want 0", p.Len())
	}
}

func TestMempoolReserveAutoReceiveRejectsSecondClaim(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	p := NewMempool(l)
	pub1, priv1, a1 := mustKeypair(t)
	pub2, priv2, a2 := mustKeypair(t)

	sendHash, _ := HashFromBytes(make([]byte, 32))
	sendHash[0] = 0x01
	link := hex.EncodeToString(sendHash.Bytes())

	r1 := signedBlock(t, priv1, pub1, &Block{
		ChainID: 1, Account: a1, BlockType: Receive, Link: link,
		Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(r1); err != nil {
		t.Fatalf("first Receive Submit: %v", err)
	}

	r2 := signedBlock(t, priv2, pub2, &Block{
		ChainID: 1, Account: a2, BlockType: Receive, Link: link,
		Amount: TokensToAtoms(1), Fee: big.NewInt(0),
	})
	if err := p.Submit(r2); err != ErrDuplicateBlock {
		t.Fatalf("second Receive claiming the same Send = %v, want ErrDuplicateBlock", err)
	}
}
