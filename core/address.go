package core

import (
	"github.com/mr-tron/base58"
)

const (
	addressVersion    byte   = 0x01
	addressHumanPrefix string = "LOS"
	addressBodyLen    int    = 25 // 1 version + 20 digest + 4 checksum
	addressDigestLen  int    = 20
)

// Address is a 25-byte structure: a 1-byte version tag, a 20-byte
// public-key digest, and a 4-byte checksum over the first 21 bytes.
type Address [addressBodyLen]byte

var ZeroAddress Address

func (a Address) Bytes() []byte { return a[:] }

func (a Address) IsZero() bool { return a == ZeroAddress }

// String renders the address as "LOS" + base58(body), the canonical
// wire/display form.
func (a Address) String() string {
	return addressHumanPrefix + base58.Encode(a[:])
}

// MarshalText and UnmarshalText let Address serve as a JSON object key (the
// ledger's account map and genesis config are both keyed by address).
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// digestFor derives the 20-byte public key digest used in address bodies.
// A domain-separated SHA3-256 hash truncated to 20 bytes, distinct from the
// signing-hash domain so a pubkey digest can never be mistaken for a block
// identity.
func digestFor(pubKey []byte) [addressDigestLen]byte {
	full := digest("los:addr:pubkey:", pubKey)
	var out [addressDigestLen]byte
	copy(out[:], full[:addressDigestLen])
	return out
}

// NewAddress derives the canonical address for a public key.
func NewAddress(pubKey []byte) Address {
	var a Address
	a[0] = addressVersion
	d := digestFor(pubKey)
	copy(a[1:1+addressDigestLen], d[:])
	cks := addressChecksum(a[:21])
	copy(a[21:25], cks[:])
	return a
}

// addressChecksum is the first 4 bytes of the double digest of the first
// 21 bytes (version + pubkey digest).
func addressChecksum(body []byte) [4]byte {
	first := digest("los:addr:checksum1:", body)
	second := digest("los:addr:checksum2:", first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

// ParseAddress decodes the human-readable form produced by String, failing
// with ErrInvalidAddress if the prefix, length, or checksum do not match.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) <= len(addressHumanPrefix) || s[:len(addressHumanPrefix)] != addressHumanPrefix {
		return a, ErrInvalidAddress
	}
	body, err := base58.Decode(s[len(addressHumanPrefix):])
	if err != nil {
		return a, ErrInvalidAddress
	}
	if len(body) != addressBodyLen {
		return a, ErrInvalidAddress
	}
	copy(a[:], body)
	if a[0] != addressVersion {
		return a, ErrInvalidAddress
	}
	want := addressChecksum(a[:21])
	if [4]byte(a[21:25]) != want {
		return a, ErrInvalidAddress
	}
	return a, nil
}

// DeriveAndVerify reports whether pubKey is the key that produced addr.
func DeriveAndVerify(addr Address, pubKey []byte) bool {
	return NewAddress(pubKey) == addr
}
