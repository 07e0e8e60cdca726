// Package core – post-quantum signing and at-rest encryption primitives for
// the LOS ledger.
//
// Exposes:
//   - GenerateKeypair / Sign / Verify – CRYSTALS-Dilithium (NIST mode 3).
//   - Encrypt / Decrypt               – XChaCha20-Poly1305 authenticated
//     encryption for at-rest material.
package core

import (
	"crypto"
	"crypto/rand"
	"errors"

	mode3 "github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/chacha20poly1305"
)

// GenerateKeypair produces a fresh Dilithium mode3 key pair. The returned
// bytes are the serialized public and private keys used throughout the
// block, vote, and registration signing paths.
func GenerateKeypair() (pub, priv []byte, err error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pk.Bytes(), sk.Bytes(), nil
}

// Sign produces a Dilithium mode3 signature over msg using a packed
// private key.
func Sign(priv, msg []byte) ([]byte, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, err
	}
	return sk.Sign(rand.Reader, msg, crypto.Hash(0))
}

// Verify checks a signature produced by Sign against a packed public key.
func Verify(pub, msg, sig []byte) (bool, error) {
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false, err
	}
	return mode3.Verify(&pk, msg, sig), nil
}

// Encrypt returns nonce || ciphertext || tag using XChaCha20-Poly1305.
// Nothing in this repository calls it: checkpoints and ledger snapshots are
// written as plain JSON.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
