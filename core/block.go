package core

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
)

// BlockType is a discriminated variant tag. Validation dispatches on the
// tag rather than through inheritance.
type BlockType byte

const (
	Send BlockType = iota + 1
	Receive
	Change
	Mint
	Slash
)

func (t BlockType) String() string {
	switch t {
	case Send:
		return "send"
	case Receive:
		return "receive"
	case Change:
		return "change"
	case Mint:
		return "mint"
	case Slash:
		return "slash"
	default:
		return "unknown"
	}
}

// Block is a single-account append to the block-lattice. Amount and Fee are
// carried as *big.Int atom counts (u128 range, enforced by the amount.go
// checked-arithmetic helpers) rather than any fixed-width integer type.
type Block struct {
	ChainID   uint64    `json:"chain_id"`
	Account   Address   `json:"account"`
	Previous  Hash      `json:"previous"`
	BlockType BlockType `json:"block_type"`
	Amount    *big.Int  `json:"amount"`
	Link      string    `json:"link"`
	PublicKey []byte    `json:"public_key"`
	Work      uint64    `json:"work"`
	Timestamp uint64    `json:"timestamp"`
	Fee       *big.Int  `json:"fee"`
	Signature []byte    `json:"signature"`
}

// SigningHash computes the block's identity, PoW target, and signed
// message. The field order, endianness, and string encoding below are part
// of the wire contract: any deviation produces a different signing-hash and
// the block is rejected by every other node.
func (b *Block) SigningHash() Hash {
	var chainID [8]byte
	binary.LittleEndian.PutUint64(chainID[:], b.ChainID)

	var amount [16]byte
	putU128LE(amount[:], b.Amount)

	var work [8]byte
	binary.LittleEndian.PutUint64(work[:], b.Work)

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], b.Timestamp)

	var fee [16]byte
	putU128LE(fee[:], b.Fee)

	return digest(domainBlockSign,
		chainID[:],
		[]byte(b.Account.String()),
		[]byte(b.Previous.Hex()),
		[]byte{byte(b.BlockType)},
		amount[:],
		[]byte(b.Link),
		[]byte(hex.EncodeToString(b.PublicKey)),
		work[:],
		ts[:],
		fee[:],
	)
}

// putU128LE writes v into dst (len 16) little-endian, zero-padded. v must
// be non-negative and fit in 128 bits; callers are expected to have already
// range-checked the value via amount.go's checked arithmetic.
func putU128LE(dst []byte, v *big.Int) {
	if v == nil {
		return
	}
	b := v.Bytes() // big-endian, no leading zeros
	for i := 0; i < len(b) && i < len(dst); i++ {
		dst[i] = b[len(b)-1-i]
	}
}

// leadingZeroBits counts the leading zero bits of h, used by both the PoW
// anti-spam check on ordinary blocks and the PoW mint scheduler.
func leadingZeroBits(h Hash) int {
	n := 0
	for _, byt := range h {
		if byt == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if byt&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}

// MeetsDifficulty reports whether h has at least bits leading zero bits.
func MeetsDifficulty(h Hash, bits int) bool {
	return leadingZeroBits(h) >= bits
}
