package types

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Kind enumerates the transaction kinds carried by the transaction.
type Kind uint8

const (
	KindTransfer Kind = iota
	KindDeposit
	KindWithdrawal
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTransfer:
		return "Transfer"
	case KindDeposit:
		return "Deposit"
	case KindWithdrawal:
		return "Withdrawal"
	case KindCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Priority is the admission priority tier (spec §4.5: "if multiple
// priority tiers exist (default three), serve higher tiers first").
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Transaction is the ordered sequence of fields the spec's data model
// names in §3, keyed by an opaque fingerprint ID.
type Transaction struct {
	ID              common.Hash
	Sender          common.Address
	Recipient       common.Address
	Amount          *uint256.Int
	Nonce           uint64
	ExpiryTimestamp time.Time
	Kind            Kind
	Priority        Priority
	Payload         []byte
	Signature       []byte // 65-byte [R || S || V] secp256k1 signature

	// ArrivalIndex is assigned at admission time and defines the
	// transaction's position in the batch prefix (spec §5 ordering
	// guarantee (a)); it is never recomputed.
	ArrivalIndex uint64
}

// CanonicalBytes returns the canonical byte encoding of every field except
// ID, Signature and ArrivalIndex, the message the sender's signature is computed over (spec
// §3). Field order and widths are fixed for the lifetime of the wire
// format; changing them invalidates every previously issued signature.
func (tx *Transaction) CanonicalBytes() []byte {
	buf := make([]byte, 0, 20+20+32+8+8+1+1+len(tx.Payload))
	buf = append(buf, tx.Sender.Bytes()...)
	buf = append(buf, tx.Recipient.Bytes()...)

	var amount [32]byte
	if tx.Amount != nil {
		amount = tx.Amount.Bytes32()
	}
	buf = append(buf, amount[:]...)

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	buf = append(buf, nonce[:]...)

	var expiry [8]byte
	binary.BigEndian.PutUint64(expiry[:], uint64(tx.ExpiryTimestamp.Unix()))
	buf = append(buf, expiry[:]...)

	buf = append(buf, byte(tx.Kind))
	buf = append(buf, byte(tx.Priority))
	buf = append(buf, tx.Payload...)
	return buf
}

// Fingerprint computes the opaque transaction ID as Keccak256 of the
// canonical encoding plus the signature, so two otherwise-identical
// transactions signed independently still collide on ID (the signature is
// part of tx identity, not just authorization).
func (tx *Transaction) Fingerprint() common.Hash {
	data := append(tx.CanonicalBytes(), tx.Signature...)
	return crypto.Keccak256Hash(data)
}

// VerifySignature checks tx.Signature against tx.Sender over the canonical
// encoding using secp256k1 ECDSA recovery, per spec §3's invariant that a
// signature verifies "against sender's public key over a canonical byte
// encoding of all other fields".
func (tx *Transaction) VerifySignature() bool {
	if len(tx.Signature) != 65 {
		return false
	}
	hash := crypto.Keccak256(tx.CanonicalBytes())
	pub, err := crypto.SigToPub(hash, tx.Signature)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == tx.Sender
}

// LeafKeyValue returns the (key, value) pair this transaction contributes
// to the Merkle tree once executed: the key is the tx ID, the value is the
// canonical encoding, matching §3's "leaf is the digest of a (key, value)
// pair" definition.
func (tx *Transaction) LeafKeyValue() (key, value []byte) {
	return tx.ID.Bytes(), tx.CanonicalBytes()
}
