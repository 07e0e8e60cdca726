package core

import "errors"

// Validation errors. Each maps to a dropped block; none of them bring the
// node down. No per-peer reputation is kept for the sender of such a block.
var (
	ErrBadSignature       = errors.New("bad signature")
	ErrBadPow             = errors.New("insufficient proof of work")
	ErrWrongPrevious      = errors.New("previous does not match account head")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrDoubleSpend        = errors.New("receive already claimed")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrDuplicateMint      = errors.New("duplicate mint for epoch")
	ErrSupplyExhausted    = errors.New("remaining mint supply exhausted")
	ErrSelfSend           = errors.New("send to self")
	ErrUnknownAccount     = errors.New("account does not exist")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)

// Sync errors.
var (
	ErrMissingPrevious = errors.New("previous block unknown, held pending")
	ErrSnapshotCorrupt = errors.New("snapshot archive corrupt")
	ErrDuplicateBlock  = errors.New("block already in mempool")
)

// Consensus errors.
var (
	ErrStaleVote        = errors.New("stale vote")
	ErrEquivocatingVote = errors.New("equivocating vote")
)

// Transport errors.
var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrPeerTimeout     = errors.New("peer timeout")
)

// Fatal errors. These propagate to the process boundary; the node halts
// rather than risk data corruption. No auto-restart.
var (
	ErrDatabaseLock        = errors.New("data directory locked by another process")
	ErrGenesisHashMismatch = errors.New("genesis hash mismatch")
	ErrChainIDMismatch     = errors.New("chain id mismatch")
)
