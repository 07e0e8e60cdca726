package core

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// GenesisConfig seeds the ledger's initial accounts and the sealed pools
// that, together with the circulating balances and the not-yet-minted
// remainder, must always sum to TOTAL_SUPPLY (see invariant 1 of §3).
type GenesisConfig struct {
	Accounts      map[Address]*big.Int
	RewardPool    *big.Int
	DevAllocation *big.Int
}

// LedgerConfig configures a Ledger's persistence and genesis.
type LedgerConfig struct {
	ChainID uint64
	DataDir string
	Genesis *GenesisConfig
	Logger  *log.Logger

	// DifficultyBits is the minimum leading-zero-bit count a block's
	// signing-hash must meet to pass the anti-spam PoW check. Zero disables
	// the check. WAL replay never runs it: replayed records go straight to
	// applyLocked, so blocks written under a since-raised difficulty replay.
	DifficultyBits int
}

// Ledger is the authoritative block-lattice state: per-account chains, a
// global block index for fast lookup, and the sealed supply pools. It is
// guarded by a single writer lock per the concurrency model of §5: mutating
// operations take the exclusive lock, readers take the shared lock, and no
// internal helper that assumes the lock is held may be called from outside
// that discipline.
type Ledger struct {
	mu sync.RWMutex

	cfg    LedgerConfig
	logger *log.Logger

	accounts   map[Address]*Account
	blockIndex map[Hash]*Block

	remainingMint *big.Int
	rewardPool    *big.Int
	devAllocation *big.Int

	// state is a generic key-value area used by the consensus, mint,
	// rewards, and slashing modules to persist auxiliary records (stake,
	// registration, mint dedup, vote evidence, checkpoints) without the
	// ledger needing to know their schema.
	state map[string][]byte

	walFile      *os.File
	snapshotPath string
}

// walPath / snapshotPath are fixed filenames inside DataDir.
func walPath(dir string) string      { return filepath.Join(dir, "ledger.wal") }
func snapshotPath(dir string) string { return filepath.Join(dir, "ledger.snap") }

// walRecord is one WAL line: a block plus the persist-time supply pools,
// so replay can reconstruct pool state without re-deriving it from blocks
// whose mint reward schedule may itself depend on wall-clock epoch boundaries
// handled by the mint scheduler, not the ledger.
type walRecord struct {
	Block         *Block   `json:"block"`
	RemainingMint *big.Int `json:"remaining_mint"`
	RewardPool    *big.Int `json:"reward_pool"`
}

// NewLedger opens (or creates) the ledger's on-disk WAL under cfg.DataDir,
// replays it, and applies the genesis configuration if the ledger is empty.
// It then reclaims orphaned global-index entries before returning.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseLock, err)
	}
	wal, err := os.OpenFile(walPath(cfg.DataDir), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseLock, err)
	}

	l := &Ledger{
		cfg:           cfg,
		logger:        cfg.Logger,
		accounts:      make(map[Address]*Account),
		blockIndex:    make(map[Hash]*Block),
		remainingMint: TotalSupplyAtoms(),
		rewardPool:    big.NewInt(0),
		devAllocation: big.NewInt(0),
		state:         make(map[string][]byte),
		walFile:       wal,
		snapshotPath:  snapshotPath(cfg.DataDir),
	}

	if err := l.loadSnapshot(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	if len(l.accounts) == 0 && cfg.Genesis != nil {
		if err := l.applyGenesis(cfg.Genesis); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}

	if err := l.replayWAL(); err != nil {
		_ = wal.Close()
		return nil, err
	}

	if purged := l.reclaimOrphansLocked(); purged > 0 {
		l.logger.WithField("purged", purged).Info("ledger: reclaimed orphaned index entries at startup")
	}

	return l, nil
}

// applyGenesis seeds account balances and sealed pools, checking that the
// total equals TOTAL_SUPPLY exactly (supply conservation from block zero).
func (l *Ledger) applyGenesis(g *GenesisConfig) error {
	total := new(big.Int)
	for addr, bal := range g.Accounts {
		if bal.Sign() < 0 {
			return fmt.Errorf("genesis: negative balance for %s", addr)
		}
		acct := newAccount()
		acct.Balance = new(big.Int).Set(bal)
		l.accounts[addr] = acct
		total.Add(total, bal)
	}
	rp := g.RewardPool
	if rp == nil {
		rp = big.NewInt(0)
	}
	dev := g.DevAllocation
	if dev == nil {
		dev = big.NewInt(0)
	}
	total.Add(total, rp)
	total.Add(total, dev)

	remaining := new(big.Int).Sub(TotalSupplyAtoms(), total)
	if remaining.Sign() < 0 {
		return fmt.Errorf("genesis: accounts plus pools exceed total supply")
	}

	l.rewardPool = new(big.Int).Set(rp)
	l.devAllocation = new(big.Int).Set(dev)
	l.remainingMint = remaining
	return nil
}

// loadSnapshot restores a previously written JSON snapshot, if one exists.
func (l *Ledger) loadSnapshot() error {
	f, err := os.Open(l.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	l.accounts = snap.Accounts
	l.blockIndex = snap.BlockIndex
	l.remainingMint = snap.RemainingMint
	l.rewardPool = snap.RewardPool
	l.devAllocation = snap.DevAllocation
	l.state = snap.State
	if l.accounts == nil {
		l.accounts = make(map[Address]*Account)
	}
	if l.blockIndex == nil {
		l.blockIndex = make(map[Hash]*Block)
	}
	if l.state == nil {
		l.state = make(map[string][]byte)
	}
	return nil
}

type snapshotFile struct {
	Accounts      map[Address]*Account `json:"accounts"`
	BlockIndex    map[Hash]*Block      `json:"block_index"`
	RemainingMint *big.Int             `json:"remaining_mint"`
	RewardPool    *big.Int             `json:"reward_pool"`
	DevAllocation *big.Int             `json:"dev_allocation"`
	State         map[string][]byte    `json:"state"`
}

// Snapshot writes the current ledger state to snapshotPath and truncates
// the WAL, mirroring the lineage's periodic-checkpoint-then-truncate
// pattern.
func (l *Ledger) Snapshot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() error {
	snap := snapshotFile{
		Accounts:      l.accounts,
		BlockIndex:    l.blockIndex,
		RemainingMint: l.remainingMint,
		RewardPool:    l.rewardPool,
		DevAllocation: l.devAllocation,
		State:         l.state,
	}
	f, err := os.Create(l.snapshotPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := l.walFile.Close(); err != nil {
		return err
	}
	wal, err := os.Create(l.walFile.Name())
	if err != nil {
		return err
	}
	l.walFile = wal
	l.logger.WithField("path", l.snapshotPath).Info("ledger snapshot written")
	return nil
}

func (l *Ledger) replayWAL() error {
	if _, err := l.walFile.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(l.walFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("%w: wal decode: %v", ErrSnapshotCorrupt, err)
		}
		if err := l.applyLocked(rec.Block); err != nil {
			return fmt.Errorf("wal replay: %w", err)
		}
		l.remainingMint = rec.RemainingMint
		l.rewardPool = rec.RewardPool
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if _, err := l.walFile.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) appendWAL(b *Block) error {
	rec := walRecord{Block: b, RemainingMint: l.remainingMint, RewardPool: l.rewardPool}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := l.walFile.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.walFile.Sync()
}

// Close releases the WAL file handle.
func (l *Ledger) Close() error {
	if l == nil || l.walFile == nil {
		return nil
	}
	return l.walFile.Close()
}

// ---------------------------------------------------------------------
// Block validation and application (§4.1)
// ---------------------------------------------------------------------

// ValidateStateless performs the lock-free portion of block validation
// (steps 1-4 of §4.1): signing-hash identity, address derivation, signature,
// and PoW. It touches no shared ledger state and is safe to call
// concurrently from the mempool's validation pipeline before the block is
// handed to AddBlock for the lock-held apply.
func ValidateStateless(b *Block, difficultyBits int) error {
	if b.Account.IsZero() {
		return ErrInvalidAddress
	}
	if b.BlockType != Mint {
		if !DeriveAndVerify(b.Account, b.PublicKey) {
			return ErrInvalidAddress
		}
		ok, err := Verify(b.PublicKey, b.SigningHash().Bytes(), b.Signature)
		if err != nil || !ok {
			return ErrBadSignature
		}
	}
	// Mint blocks are coinbase: their admissibility is the mint scheduler's
	// own PoW over the mint preimage (§4.4, core/mint.go), checked before
	// the block is ever handed to AddBlock, not the generic anti-spam PoW
	// over the block signing-hash.
	if b.BlockType != Mint && !MeetsDifficulty(b.SigningHash(), difficultyBits) {
		return ErrBadPow
	}
	return nil
}

// AddBlock validates (re-checking previous == head under the lock, per the
// concurrency model of §5) and applies a block, then persists it to the
// WAL. This is the sole external mutation entrypoint; every internal helper
// it calls assumes the lock is already held and must never be called from
// outside AddBlock/ReclaimOrphans/snapshot restore.
func (l *Ledger) AddBlock(b *Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.ChainID != l.cfg.ChainID {
		return ErrChainIDMismatch
	}
	if err := ValidateStateless(b, l.cfg.DifficultyBits); err != nil {
		return err
	}
	if err := l.applyLocked(b); err != nil {
		return err
	}
	return l.appendWAL(b)
}

// applyLocked performs steps 5-7 of §4.1. Caller must hold l.mu.
func (l *Ledger) applyLocked(b *Block) error {
	acct, exists := l.accounts[b.Account]
	head := Sentinel
	if exists {
		head = acct.Head
	}
	if b.Previous != head {
		return ErrWrongPrevious
	}

	switch b.BlockType {
	case Send:
		if !exists {
			return ErrUnknownAccount
		}
		recv, err := ParseAddress(b.Link)
		if err != nil {
			return ErrInvalidAddress
		}
		if recv == b.Account {
			return ErrSelfSend
		}
		need, err := CheckedAdd(b.Amount, b.Fee)
		if err != nil {
			return err
		}
		if acct.Balance.Cmp(need) < 0 {
			return ErrInsufficientFunds
		}
		newBal, err := CheckedSub(acct.Balance, need)
		if err != nil {
			return err
		}
		acct.Balance = newBal
		// Fees are not burned: they join the sealed validator reward pool
		// (§1 "distribute a separate non-inflationary reward pool"), kept
		// in balance by invariant 1's supply-conservation accounting.
		if b.Fee.Sign() > 0 {
			l.creditRewardPool(b.Fee)
		}

	case Receive:
		linkBytes, err := hex.DecodeString(b.Link)
		if err != nil {
			return ErrInvalidAddress
		}
		srcHash, ok := HashFromBytes(linkBytes)
		if !ok {
			return ErrInvalidAddress
		}
		src, ok := l.blockIndex[srcHash]
		if !ok {
			return ErrMissingPrevious
		}
		if src.BlockType != Send {
			return ErrDoubleSpend
		}
		wantRecv, err := ParseAddress(src.Link)
		if err != nil || wantRecv != b.Account {
			return ErrDoubleSpend
		}
		claimKey := []byte("claim:" + srcHash.Hex())
		if _, claimed := l.state[string(claimKey)]; claimed {
			return ErrDoubleSpend
		}
		if b.Amount.Cmp(src.Amount) != 0 {
			return ErrInsufficientFunds
		}
		if !exists {
			acct = newAccount()
			l.accounts[b.Account] = acct
		}
		newBal, err := CheckedAdd(acct.Balance, b.Amount)
		if err != nil {
			return err
		}
		acct.Balance = newBal
		l.state[string(claimKey)] = []byte{1}

	case Change:
		if !exists {
			return ErrUnknownAccount
		}
		// Reserved: accepted for chain linkage, applied as a no-op.

	case Mint:
		// Link carries the PoW epoch tag (§3, §4.4); the ledger enforces at
		// most one accepted mint per address per epoch by keying a dedup
		// marker off it in the same atomic mutation as the balance credit,
		// so no later reconciliation can observe a half-applied mint.
		dedupKey := []byte("mintdedup:" + b.Link + ":" + b.Account.String())
		if _, dup := l.state[string(dedupKey)]; dup {
			return ErrDuplicateMint
		}
		if !exists {
			acct = newAccount()
			l.accounts[b.Account] = acct
		}
		// A "reward-epoch:" link is a validator reward payout (§4.7),
		// drawn from the sealed non-inflationary reward pool; every other
		// Link is an ordinary PoW epoch mint (§4.4), drawn from the
		// not-yet-minted supply. The two pools must never be conflated or
		// invariant 1 (supply conservation) breaks.
		if strings.HasPrefix(b.Link, "reward-epoch:") {
			if l.rewardPool.Cmp(b.Amount) < 0 {
				return ErrInsufficientFunds
			}
			l.debitRewardPool(b.Amount)
		} else {
			if l.remainingMint.Cmp(b.Amount) < 0 {
				return ErrSupplyExhausted
			}
			l.remainingMint = new(big.Int).Sub(l.remainingMint, b.Amount)
		}
		newBal, err := CheckedAdd(acct.Balance, b.Amount)
		if err != nil {
			return err
		}
		acct.Balance = newBal
		l.state[string(dedupKey)] = []byte{1}

	case Slash:
		// Slash blocks are consensus-driven records of a stake reduction
		// already applied by the slashing module; the block only records
		// the event on the validator's own chain.
		if !exists {
			acct = newAccount()
			l.accounts[b.Account] = acct
		}

	default:
		return fmt.Errorf("unknown block type %d", b.BlockType)
	}

	h := b.SigningHash()
	l.blockIndex[h] = b
	acct.Head = h
	acct.BlockCount++
	acct.ModifiedTimestamp = b.Timestamp
	return nil
}

// ---------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------

func (l *Ledger) GetAccount(addr Address) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[addr]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

func (l *Ledger) BlockByHash(h Hash) (*Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.blockIndex[h]
	return b, ok
}

// TotalBlockCount is the sum of block_count across accounts — the
// authoritative count for block-height APIs, distinct from the size of the
// global index (§4.3). Divergence between the two signals orphaned entries.
func (l *Ledger) TotalBlockCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n uint64
	for _, a := range l.accounts {
		n += a.BlockCount
	}
	return n
}

func (l *Ledger) GlobalIndexSize() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blockIndex)
}

func (l *Ledger) RemainingMint() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.remainingMint)
}

func (l *Ledger) RewardPool() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.rewardPool)
}

func (l *Ledger) DevAllocation() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.devAllocation)
}

// SumBalances returns the sum of every account's balance; used by the
// supply-conservation test and diagnostics.
func (l *Ledger) SumBalances() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := big.NewInt(0)
	for _, a := range l.accounts {
		sum.Add(sum, a.Balance)
	}
	return sum
}

// creditRewardPool and debitRewardPool are called from applyLocked, which
// already holds the write lock: fees feed the pool, reward-payout Mint
// blocks (rewards.go's DisburseEpoch) draw from it.
func (l *Ledger) creditRewardPool(amt *big.Int) { l.rewardPool.Add(l.rewardPool, amt) }
func (l *Ledger) debitRewardPool(amt *big.Int)  { l.rewardPool.Sub(l.rewardPool, amt) }

// WithLock runs fn while holding the ledger's exclusive lock. It is the one
// sanctioned way for other modules (mint, rewards, slashing, consensus) to
// make a coherent multi-step mutation without re-entering AddBlock's own
// locking — the precise pattern the concurrency model in §5 requires to
// avoid the documented past deadlock defect.
func (l *Ledger) WithLock(fn func(l *Ledger) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l)
}

// WithRLock runs fn while holding the ledger's shared lock.
func (l *Ledger) WithRLock(fn func(l *Ledger)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l)
}

// ---------------------------------------------------------------------
// Generic key-value area for auxiliary modules (§4.7 registration/stake,
// §4.4 mint dedup, §4.5 vote evidence, checkpoints). Caller must already
// hold the ledger lock via WithLock/WithRLock — these do not lock
// themselves, matching the "helper reuses the existing guard" discipline.
// ---------------------------------------------------------------------

func (l *Ledger) GetState(key []byte) ([]byte, bool) {
	v, ok := l.state[string(key)]
	return v, ok
}

func (l *Ledger) SetState(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	l.state[string(key)] = cp
}

func (l *Ledger) DeleteState(key []byte) {
	delete(l.state, string(key))
}

func (l *Ledger) PrefixIterator(prefix []byte) []string {
	var out []string
	p := string(prefix)
	for k := range l.state {
		if len(k) >= len(p) && k[:len(p)] == p {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------
// State-root (§4.1)
// ---------------------------------------------------------------------

// StateRoot is the digest over a canonical (ascending address) ordering of
// (address, balance, block_count, head) tuples. Balance alone cannot detect
// a node that accepted a ghost block, so all four fields are committed.
func (l *Ledger) StateRoot() Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stateRootLocked()
}

func (l *Ledger) stateRootLocked() Hash {
	addrs := make([]Address, 0, len(l.accounts))
	for a := range l.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i][:]) < string(addrs[j][:])
	})
	parts := make([][]byte, 0, len(addrs)*4)
	for _, a := range addrs {
		acct := l.accounts[a]
		var bc [8]byte
		putU64BE(bc[:], acct.BlockCount)
		parts = append(parts,
			a.Bytes(),
			acct.Balance.Bytes(),
			bc[:],
			acct.Head.Bytes(),
		)
	}
	return digest(domainStateRoot, parts...)
}

func putU64BE(dst []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

// ---------------------------------------------------------------------
// Orphan reclamation (§4.3)
// ---------------------------------------------------------------------

// ReclaimOrphans walks every account's chain from head through previous
// links, marks reachable blocks, and deletes everything else from the
// global index. It is idempotent: running it twice with no intervening
// mutation leaves the index unchanged. Call sites: node startup (NewLedger),
// after fast-path archive sync (SyncManager.AdoptArchive) and after the
// slow-path merge (SyncManager.mergeFromPeers); there is no separate
// incremental-sync merge path.
func (l *Ledger) ReclaimOrphans() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimOrphansLocked()
}

func (l *Ledger) reclaimOrphansLocked() int {
	reachable := make(map[Hash]struct{}, len(l.blockIndex))
	for _, acct := range l.accounts {
		h := acct.Head
		steps := acct.BlockCount
		for h != Sentinel && steps > 0 {
			reachable[h] = struct{}{}
			b, ok := l.blockIndex[h]
			if !ok {
				break
			}
			h = b.Previous
			steps--
		}
	}
	purged := 0
	for h := range l.blockIndex {
		if _, ok := reachable[h]; !ok {
			delete(l.blockIndex, h)
			purged++
		}
	}
	return purged
}

// InjectOrphan is a test-only helper that inserts a block into the global
// index without chain linkage, simulating a legacy bug so ReclaimOrphans
// can be exercised against it (S4).
func (l *Ledger) InjectOrphan(b *Block) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blockIndex[b.SigningHash()] = b
}

// AccountChainFrom walks addr's chain from its head back to (but not past)
// fromHeight blocks deep, returning the result oldest-first, implementing
// gossip.go's ChainRangeProvider for the slow-path sync stream (§4.6).
func (l *Ledger) AccountChainFrom(addr Address, fromHeight uint64) []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[addr]
	if !ok {
		return nil
	}
	var chain []*Block
	h := acct.Head
	steps := acct.BlockCount
	for h != Sentinel && steps > fromHeight {
		b, ok := l.blockIndex[h]
		if !ok {
			break
		}
		chain = append(chain, b)
		h = b.Previous
		steps--
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
