package core

import (
	"context"
	"math/big"
	"testing"
)

// addMintBlock applies one coinbase Mint block to l so its total block count
// advances, letting tests exercise AdoptArchive's "incoming must strictly
// exceed current" guard without needing real consensus.
func addMintBlock(t *testing.T, l *Ledger, addr Address) {
	t.Helper()
	b := &Block{ChainID: 1, Account: addr, BlockType: Mint, Amount: TokensToAtoms(1), Fee: big.NewInt(0)}
	if err := l.AddBlock(b); err != nil {
		t.Fatalf("addMintBlock AddBlock: %v", err)
	}
}

type fakeArchiveTransport struct {
	broadcasts map[GossipTopic][][]byte
	subs       map[GossipTopic]chan GossipMessage
}

func newFakeArchiveTransport() *fakeArchiveTransport {
	return &fakeArchiveTransport{
		broadcasts: make(map[GossipTopic][][]byte),
		subs:       make(map[GossipTopic]chan GossipMessage),
	}
}

func (f *fakeArchiveTransport) Broadcast(topic GossipTopic, data []byte) error {
	f.broadcasts[topic] = append(f.broadcasts[topic], data)
	return nil
}

func (f *fakeArchiveTransport) Subscribe(topic GossipTopic) (<-chan GossipMessage, error) {
	ch, ok := f.subs[topic]
	if !ok {
		ch = make(chan GossipMessage, 1)
		f.subs[topic] = ch
	}
	return ch, nil
}

func TestCompressSnapshotAndAdoptArchiveRoundTrip(t *testing.T) {
	genesis, addrs := eightAccountGenesis(t)
	source := newTestLedger(t, genesis)
	_, _, minter := mustKeypair(t)
	addMintBlock(t, source, minter)

	archive, err := CompressSnapshot(source)
	if err != nil {
		t.Fatalf("CompressSnapshot: %v", err)
	}

	dest := newTestLedger(t, &GenesisConfig{})
	m := NewSyncManager(dest, newFakeArchiveTransport(), nil)
	if err := m.AdoptArchive(archive); err != nil {
		t.Fatalf("AdoptArchive: %v", err)
	}

	acct, ok := dest.GetAccount(addrs[0])
	if !ok {
		t.Fatalf("adopted ledger missing account %s", addrs[0])
	}
	srcAcct, _ := source.GetAccount(addrs[0])
	if acct.Balance.Cmp(srcAcct.Balance) != 0 {
		t.Fatalf("adopted balance = %s, want %s", acct.Balance, srcAcct.Balance)
	}
}

func TestAdoptArchiveRejectsShorterArchive(t *testing.T) {
	genesis, addrs := eightAccountGenesis(t)
	ahead := newTestLedger(t, genesis)
	_, _, minter := mustKeypair(t)
	addMintBlock(t, ahead, minter)

	// "ahead" now has one applied block; an archive of a fresh, emptier
	// ledger has a strictly smaller total block count and must be rejected.
	shortArchive, err := CompressSnapshot(newTestLedger(t, &GenesisConfig{}))
	if err != nil {
		t.Fatalf("CompressSnapshot: %v", err)
	}

	m := NewSyncManager(ahead, newFakeArchiveTransport(), nil)
	if err := m.AdoptArchive(shortArchive); err != nil {
		t.Fatalf("AdoptArchive: %v", err)
	}

	acct, ok := ahead.GetAccount(addrs[0])
	if !ok || acct.Balance.Sign() == 0 {
		t.Fatalf("a shorter archive overwrote the ahead ledger's state")
	}
}

func TestSyncOnceAdoptsArchiveFromTransport(t *testing.T) {
	genesis, addrs := eightAccountGenesis(t)
	aheadSource := newTestLedger(t, genesis)
	_, _, minter := mustKeypair(t)
	addMintBlock(t, aheadSource, minter)
	archive, err := CompressSnapshot(aheadSource)
	if err != nil {
		t.Fatalf("CompressSnapshot: %v", err)
	}

	behind := newTestLedger(t, &GenesisConfig{})
	transport := newFakeArchiveTransport()
	archiveCh := make(chan GossipMessage, 1)
	archiveCh <- GossipMessage{Topic: TopicSyncArchive, Data: archive}
	transport.subs[TopicSyncArchive] = archiveCh

	m := NewSyncManager(behind, transport, nil)
	if err := m.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	acct, ok := behind.GetAccount(addrs[0])
	if !ok || acct.Balance.Sign() == 0 {
		t.Fatalf("SyncOnce did not adopt the archive delivered on TopicSyncArchive")
	}
	if len(transport.broadcasts[TopicSyncRequest]) != 1 {
		t.Fatalf("broadcasts[TopicSyncRequest] = %d, want 1 (the initial request)", len(transport.broadcasts[TopicSyncRequest]))
	}
}

func TestSyncManagerStatusReflectsActiveState(t *testing.T) {
	l := newTestLedger(t, &GenesisConfig{})
	m := NewSyncManager(l, newFakeArchiveTransport(), nil)

	if active := m.Status()["active"].(bool); active {
		t.Fatalf("Status().active = true before Start")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	if active := m.Status()["active"].(bool); !active {
		t.Fatalf("Status().active = false after Start")
	}
	m.Stop()
	if active := m.Status()["active"].(bool); active {
		t.Fatalf("Status().active = true after Stop")
	}
}
