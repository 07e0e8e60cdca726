package core

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpointSignAndVerify(t *testing.T) {
	pub, priv, addr := mustKeypair(t)
	cp := &Checkpoint{Height: 42, StateRoot: Sentinel, Timestamp: 1_700_000_000}
	if err := cp.Sign(addr, pub, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := cp.Verify()
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v, want true, nil", ok, err)
	}
}

func TestCheckpointVerifyRejectsTamperedHeight(t *testing.T) {
	pub, priv, addr := mustKeypair(t)
	cp := &Checkpoint{Height: 42, StateRoot: Sentinel, Timestamp: 1_700_000_000}
	if err := cp.Sign(addr, pub, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cp.Height = 43
	ok, err := cp.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("Verify accepted a checkpoint whose height changed after signing")
	}
}

func TestCheckpointVerifyRejectsWrongIssuer(t *testing.T) {
	pub, priv, _ := mustKeypair(t)
	_, _, other := mustKeypair(t)
	cp := &Checkpoint{Height: 1, StateRoot: Sentinel, Timestamp: 1}
	if err := cp.Sign(other, pub, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, _ := cp.Verify()
	if ok {
		t.Fatalf("Verify accepted a checkpoint whose claimed issuer does not match its public key")
	}
}

func TestCheckpointWriterWriteNowPersistsLatest(t *testing.T) {
	genesis, _ := eightAccountGenesis(t)
	l := newTestLedger(t, genesis)
	pub, priv, addr := mustKeypair(t)

	dir := filepath.Join(t.TempDir(), "checkpoints")
	w := NewCheckpointWriter(l, addr, pub, priv, dir, time.Hour)

	if _, ok := w.Latest(); ok {
		t.Fatalf("Latest before any write returned a checkpoint")
	}
	if err := w.WriteNow(time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("WriteNow: %v", err)
	}
	cp, ok := w.Latest()
	if !ok {
		t.Fatalf("Latest after WriteNow returned nothing")
	}
	if cp.Height != l.TotalBlockCount() {
		t.Fatalf("checkpoint height = %d, want %d", cp.Height, l.TotalBlockCount())
	}

	loaded, err := LoadCheckpoint(filepath.Join(dir, "checkpoint-latest.json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.Height != cp.Height || loaded.StateRoot != cp.StateRoot {
		t.Fatalf("loaded checkpoint = %+v, want %+v", loaded, cp)
	}
}
