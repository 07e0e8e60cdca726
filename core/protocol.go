package core

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// encodeBlock/encodeVote/decodeBlock/decodeVote are the wire envelopes for
// the BLOCK and VOTE gossip topics. JSON is used for these small, frequent
// control-plane messages; the heavier payloads use gzip+JSON for the sync
// archive (sync.go) and RLP for the point-to-point chain-range stream
// (gossip.go), matching the "fast path vs slow path" distinction drawn in
// §4.6.
func encodeBlock(b *Block) ([]byte, error) { return json.Marshal(b) }
func decodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func encodeVote(v Vote) ([]byte, error) { return json.Marshal(v) }
func decodeVote(data []byte) (Vote, error) {
	var v Vote
	err := json.Unmarshal(data, &v)
	return v, err
}

// EncodeBlockMessage/DecodeBlockMessage and EncodeVoteMessage/DecodeVoteMessage
// are the exported forms of the BLOCK/VOTE wire codec, for callers outside
// this package (cmd/synnergy's gossip relay loops).
func EncodeBlockMessage(b *Block) ([]byte, error) { return encodeBlock(b) }
func DecodeBlockMessage(data []byte) (*Block, error) { return decodeBlock(data) }
func EncodeVoteMessage(v Vote) ([]byte, error) { return encodeVote(v) }
func DecodeVoteMessage(data []byte) (Vote, error) { return decodeVote(data) }

// HeartbeatMessage is the HEARTBEAT gossip payload: a validator asserting
// liveness for a given reward epoch (§4.7), consumed by RewardScheduler's
// uptime tracking.
type HeartbeatMessage struct {
	Validator Address `json:"validator"`
	Epoch     uint64  `json:"epoch"`
}

func EncodeHeartbeatMessage(addr Address, epoch uint64) ([]byte, error) {
	return json.Marshal(HeartbeatMessage{Validator: addr, Epoch: epoch})
}

func DecodeHeartbeatMessage(data []byte) (Address, uint64, error) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(data, &hb); err != nil {
		return Address{}, 0, err
	}
	return hb.Validator, hb.Epoch, nil
}

// rlpBlock mirrors Block field-for-field, with Amount and Fee kept as
// *big.Int like Block's own fields.
type rlpBlock struct {
	ChainID   uint64
	Account   Address
	Previous  Hash
	BlockType BlockType
	Amount    *big.Int
	Link      string
	PublicKey []byte
	Work      uint64
	Timestamp uint64
	Fee       *big.Int
	Signature []byte
}

// encodeBlockRLP/decodeBlockRLP are the slow-path per-account chain-merge
// wire codec (§4.6): RLP rather than JSON, matching how this lineage already
// encodes the chain-merge payload elsewhere.
func encodeBlockRLP(b *Block) ([]byte, error) {
	return rlp.EncodeToBytes(&rlpBlock{
		ChainID: b.ChainID, Account: b.Account, Previous: b.Previous,
		BlockType: b.BlockType, Amount: b.Amount, Link: b.Link,
		PublicKey: b.PublicKey, Work: b.Work, Timestamp: b.Timestamp,
		Fee: b.Fee, Signature: b.Signature,
	})
}

func decodeBlockRLP(data []byte) (*Block, error) {
	var rb rlpBlock
	if err := rlp.DecodeBytes(data, &rb); err != nil {
		return nil, err
	}
	return &Block{
		ChainID: rb.ChainID, Account: rb.Account, Previous: rb.Previous,
		BlockType: rb.BlockType, Amount: rb.Amount, Link: rb.Link,
		PublicKey: rb.PublicKey, Work: rb.Work, Timestamp: rb.Timestamp,
		Fee: rb.Fee, Signature: rb.Signature,
	}, nil
}

// GossipTopic enumerates the closed set of gossip message kinds (§4.6/§6).
// Each is its own libp2p pubsub topic so a peer can subscribe selectively
// (a light client may want BLOCK and SYNC_GZIP but not HEARTBEAT/REGISTER
// churn).
type GossipTopic string

const (
	TopicBlock       GossipTopic = "los/block/v1"
	TopicVote        GossipTopic = "los/vote/v1"
	TopicSyncRequest GossipTopic = "los/sync-request/v1"
	TopicSyncArchive GossipTopic = "los/sync-gzip/v1"
	TopicHeartbeat   GossipTopic = "los/heartbeat/v1"
	TopicRegister    GossipTopic = "los/register/v1"
)

// Phase is a consensus voting phase. Propose is not itself a vote phase —
// it is the proposer broadcasting a candidate BLOCK — so only Prevote and
// Precommit tuples are ever signed and tallied.
type Phase byte

const (
	PhasePrevote Phase = iota + 1
	PhasePrecommit
)

func (p Phase) String() string {
	switch p {
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Vote is the tuple (voter_address, round, phase, target_hash, signature)
// of §4.5, signed over VoteSigningHash.
type Vote struct {
	Height    uint64  `json:"height"`
	Round     uint32  `json:"round"`
	Phase     Phase   `json:"phase"`
	Target    Hash    `json:"target"`
	Voter     Address `json:"voter"`
	PublicKey []byte  `json:"public_key"`
	Signature []byte  `json:"signature"`
}

// VoteSigningHash is the canonical message a vote is signed over: height,
// round, phase tag, and target, in that order — distinct from the block
// signing-hash domain so a vote can never be replayed as a block identity.
func VoteSigningHash(height uint64, round uint32, phase Phase, target Hash) Hash {
	var h [8]byte
	binary.LittleEndian.PutUint64(h[:], height)
	var r [4]byte
	binary.LittleEndian.PutUint32(r[:], round)
	return digest(domainVote, h[:], r[:], []byte{byte(phase)}, target.Bytes())
}

// Sign fills in Voter/PublicKey/Signature for a vote using the given
// keypair.
func (v *Vote) Sign(addr Address, pub, priv []byte) error {
	v.Voter = addr
	v.PublicKey = pub
	sig, err := Sign(priv, VoteSigningHash(v.Height, v.Round, v.Phase, v.Target).Bytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Verify checks that the vote's signature is valid and that PublicKey
// derives Voter, rejecting a vote purporting to come from an address its
// key doesn't own.
func (v *Vote) Verify() (bool, error) {
	if !DeriveAndVerify(v.Voter, v.PublicKey) {
		return false, nil
	}
	return Verify(v.PublicKey, VoteSigningHash(v.Height, v.Round, v.Phase, v.Target).Bytes(), v.Signature)
}

// Equivocation is retained evidence of a validator precommitting two
// different targets at the same height/round (§4.5/§4.7: grounds for a
// 100% stake slash).
type Equivocation struct {
	Validator Address `json:"validator"`
	Height    uint64  `json:"height"`
	Round     uint32  `json:"round"`
	First     Hash    `json:"first"`
	Second    Hash    `json:"second"`
}
