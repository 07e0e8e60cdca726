package core

// mint.go implements the PoW mint scheduler of §4.4: fixed-length
// wall-clock epochs, one accepted mint per address per epoch, a halving
// reward schedule, and a clamped-linear integer difficulty retarget. No
// floating point: the retarget is `bits' = clamp(bits + sign(target -
// participants), minBits, maxBits)`, the Open Question in §9 resolved in
// favor of the simplest pure-integer transfer function that still responds
// to participation.

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMintEpochLength is the wall-clock width of one mint epoch.
	DefaultMintEpochLength = 10 * time.Minute

	// DefaultMintHalvingPeriod halves the base reward every this many
	// epochs.
	DefaultMintHalvingPeriod uint64 = 210_000

	// DefaultMintTargetMiners is the distinct-miner count the retarget
	// function aims to keep difficulty centered on.
	DefaultMintTargetMiners = 50

	minMintDifficultyBits = 8
	maxMintDifficultyBits = 48

	// maxMintNonceSweep bounds worst-case CPU for a single mint attempt
	// (§5 resource policy: PoW attempts are capped).
	maxMintNonceSweep = 50_000_000
)

const (
	stateKeyMintDifficulty = "mint:difficulty"
	stateKeyMintMinerSeen  = "mint:miner:" // + epoch + ":" + addr
	stateKeyMintLastEpoch  = "mint:last-retargeted-epoch"
)

// MintScheduler drives epoch-based PoW minting against a Ledger.
type MintScheduler struct {
	ledger        *Ledger
	chainID       uint64
	genesisUnix   uint64
	epochLength   time.Duration
	baseReward    *big.Int
	halvingPeriod uint64
	targetMiners  int
}

// DefaultMintBaseReward is the starting per-mint reward: 100 display
// tokens, halving every DefaultMintHalvingPeriod epochs (§4.4 "e.g., 100
// display tokens").
func DefaultMintBaseReward() *big.Int { return TokensToAtoms(100) }

// NewMintScheduler constructs a scheduler anchored at genesisUnix (seconds)
// with the given epoch length.
func NewMintScheduler(ledger *Ledger, chainID uint64, genesisUnix uint64, epochLength time.Duration) *MintScheduler {
	return &MintScheduler{
		ledger:        ledger,
		chainID:       chainID,
		genesisUnix:   genesisUnix,
		epochLength:   epochLength,
		baseReward:    DefaultMintBaseReward(),
		halvingPeriod: DefaultMintHalvingPeriod,
		targetMiners:  DefaultMintTargetMiners,
	}
}

// Epoch returns the epoch number containing the given unix-second
// timestamp.
func (m *MintScheduler) Epoch(nowUnix uint64) uint64 {
	if nowUnix <= m.genesisUnix {
		return 0
	}
	return (nowUnix - m.genesisUnix) / uint64(m.epochLength/time.Second)
}

// Reward returns the per-mint payout for epoch, halved every
// halvingPeriod epochs via pure integer right-shift (amount.go's
// HalvingAmount — never a floating point ratio).
func (m *MintScheduler) Reward(epoch uint64) *big.Int {
	return HalvingAmount(m.baseReward, epoch, m.halvingPeriod)
}

// DifficultyBits returns the mint PoW difficulty currently in effect,
// defaulting to minMintDifficultyBits if never retargeted.
func (m *MintScheduler) DifficultyBits() int {
	v, ok := m.ledger.GetState([]byte(stateKeyMintDifficulty))
	if !ok || len(v) == 0 {
		return minMintDifficultyBits
	}
	return int(v[0])
}

func (m *MintScheduler) setDifficultyBits(bits int) {
	if bits < minMintDifficultyBits {
		bits = minMintDifficultyBits
	}
	if bits > maxMintDifficultyBits {
		bits = maxMintDifficultyBits
	}
	m.ledger.SetState([]byte(stateKeyMintDifficulty), []byte{byte(bits)})
}

// epochTag is the opaque Link value carried by Mint blocks, also the
// origin component of the mint PoW preimage.
func epochTag(epoch uint64) string { return "epoch:" + strconv.FormatUint(epoch, 10) }

func parseEpochTag(tag string) (uint64, bool) {
	const prefix = "epoch:"
	if !strings.HasPrefix(tag, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(tag[len(prefix):], 10, 64)
	return n, err == nil
}

// MintEpochOf reports the epoch a Mint block was accepted in, decoded from
// its Link field, for callers (e.g. block explorers, reward auditing) that
// need to group mints by epoch without re-deriving the tag format.
func MintEpochOf(b *Block) (uint64, bool) {
	if b.BlockType != Mint {
		return 0, false
	}
	return parseEpochTag(b.Link)
}

// mintHash computes the PoW target hash for a candidate
// (address, epoch, nonce) triple — the canonical mint preimage of §4.4:
// protocol tag, chain_id, address, epoch number, nonce.
func (m *MintScheduler) mintHash(addr Address, epoch, nonce uint64) Hash {
	var chainID, ep, n [8]byte
	putU64BE(chainID[:], m.chainID)
	putU64BE(ep[:], epoch)
	putU64BE(n[:], nonce)
	return digest(domainMintPre, chainID[:], []byte(addr.String()), ep[:], n[:])
}

// SolvePoW sweeps nonces until the mint preimage hash meets the current
// difficulty or the sweep cap is hit, returning ErrBadPow on exhaustion.
func (m *MintScheduler) SolvePoW(addr Address, epoch uint64) (nonce uint64, err error) {
	bits := m.DifficultyBits()
	for n := uint64(0); n < maxMintNonceSweep; n++ {
		if MeetsDifficulty(m.mintHash(addr, epoch, n), bits) {
			return n, nil
		}
	}
	return 0, ErrBadPow
}

// SubmitMint validates a solved PoW mint and, if accepted, applies and
// persists the resulting coinbase Mint block. Dedup is enforced atomically
// inside Ledger.applyLocked via the epoch tag embedded in Link.
func (m *MintScheduler) SubmitMint(addr Address, epoch, nonce uint64, now uint64) (*Block, error) {
	bits := m.DifficultyBits()
	if !MeetsDifficulty(m.mintHash(addr, epoch, nonce), bits) {
		return nil, ErrBadPow
	}
	reward := m.Reward(epoch)
	block := &Block{
		ChainID:   m.chainID,
		Account:   addr,
		BlockType: Mint,
		Amount:    reward,
		Link:      epochTag(epoch),
		Fee:       big.NewInt(0),
		Work:      nonce,
		Timestamp: now,
	}
	if err := m.ledger.WithLock(func(l *Ledger) error {
		acct, exists := l.accounts[addr]
		head := Sentinel
		if exists {
			head = acct.Head
		}
		block.Previous = head
		return nil
	}); err != nil {
		return nil, err
	}
	if err := m.ledger.AddBlock(block); err != nil {
		return nil, err
	}
	m.ledger.WithLock(func(l *Ledger) error {
		l.SetState([]byte(fmt.Sprintf("%s%d:%s", stateKeyMintMinerSeen, epoch, addr.String())), []byte{1})
		return nil
	})
	return block, nil
}

// RetargetIfDue recomputes difficulty_bits from the count of distinct
// miners in the just-closed epoch, once per epoch boundary (§4.4). The
// transfer function is a pure integer clamp: bits moves by one in the
// direction that pushes participation toward targetMiners, and stays put
// when the miner count equals targetMiners.
func (m *MintScheduler) RetargetIfDue(completedEpoch uint64) {
	last, _ := m.ledger.GetState([]byte(stateKeyMintLastEpoch))
	if len(last) == 8 && beU64(last) >= completedEpoch {
		return
	}
	prefix := fmt.Sprintf("%s%d:", stateKeyMintMinerSeen, completedEpoch)
	miners := len(m.ledger.PrefixIterator([]byte(prefix)))

	bits := m.DifficultyBits()
	switch {
	case miners > m.targetMiners:
		bits++
	case miners < m.targetMiners:
		bits--
	}
	m.ledger.WithLock(func(l *Ledger) error {
		m.setDifficultyBits(bits)
		var buf [8]byte
		putU64BE(buf[:], completedEpoch)
		l.SetState([]byte(stateKeyMintLastEpoch), buf[:])
		return nil
	})
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
