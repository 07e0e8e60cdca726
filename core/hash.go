package core

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/sha3"
)

// Hash is a 256-bit digest, the identity of a block and the message signed
// over. Every hash used by the protocol (signing-hash, mint preimage, vote
// encoding, state-root, checkpoint digest) is domain separated by a short
// ASCII tag so no two use-sites can collide on an identical byte string.
type Hash [32]byte

// Sentinel is the zero-value head of an account with no blocks yet.
var Sentinel Hash

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == Sentinel }

// MarshalText and UnmarshalText let Hash serve as a JSON object key (the
// global block index and WAL records are keyed by hash).
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.Hex()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil || len(b) != len(h) {
		return errBadHashText
	}
	copy(h[:], b)
	return nil
}

var errBadHashText = errors.New("core: malformed hash text")

func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// Domain tags, one per hash use-site.
const (
	domainBlockSign  = "los:block:"
	domainMintPre    = "los:mint:"
	domainVote       = "los:vote:"
	domainStateRoot  = "los:stateroot:"
	domainCheckpoint = "los:checkpoint:"
	domainRegister   = "los:register:"
)

// digest computes the domain-separated SHA3-256 digest of the concatenation
// of domain and parts, in order.
func digest(domain string, parts ...[]byte) Hash {
	h := sha3.New256()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
