// Package store implements the abstract durable key/value+sequence store
// of spec §6, backed by github.com/cockroachdb/pebble: an embedded ordered
// KV engine matching the "durable key/value with append-only auxiliary
// tables" contract exactly, and already present in the teacher's
// transitive dependency graph via go-ethereum.
package store

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/l2seq/sequencer/internal/types"
)

// TransactionRecord mirrors the transactions(...) row shape of spec §6.
type TransactionRecord struct {
	ID          common.Hash
	Sender      common.Address
	Recipient   common.Address
	Amount      string // decimal string; uint256 does not round-trip JSON cleanly
	Nonce       uint64
	Expiry      int64
	Kind        types.Kind
	Payload     []byte
	Signature   []byte
	Status      string
	CreatedAt   int64
	ProcessedAt *int64
	BatchID     *uint64
	Error       string
}

// BatchRecord mirrors the batches(...) row shape of spec §6.
type BatchRecord struct {
	ID          uint64
	MerkleRoot  common.Hash
	TxCount     int
	Status      string
	CreatedAt   int64
	SubmittedAt *int64
	ConfirmedAt *int64
	Signature   []byte
	Error       string
}

// AccountRecord mirrors the accounts(...) row shape of spec §6.
type AccountRecord struct {
	Address     common.Address
	Balance     string
	Nonce       uint64
	LastUpdated int64
}

// AuditEventRecord mirrors the audit_events(...) row shape of spec §6.
type AuditEventRecord struct {
	ID         uint64
	Kind       string
	PayloadJSON []byte
	CreatedAt  int64
}

// Store is the abstract persistence contract every durable write in the
// sequencer goes through. Implementations MUST use parameterized access
// and MUST support the indexed lookups spec §6 names: by
// transactions.status, transactions.batch_id, batches.status, and
// audit_events.kind.
type Store interface {
	PutTransaction(rec TransactionRecord) error
	GetTransaction(id common.Hash) (TransactionRecord, bool, error)
	ListTransactionsByStatus(status string) ([]TransactionRecord, error)
	ListTransactionsByBatch(batchID uint64) ([]TransactionRecord, error)

	PutBatch(rec BatchRecord) error
	GetBatch(id uint64) (BatchRecord, bool, error)
	ListBatchesByStatus(status string) ([]BatchRecord, error)
	NextBatchID() (uint64, error)

	PutAccount(rec AccountRecord) error
	GetAccount(addr common.Address) (AccountRecord, bool, error)

	AppendAuditEvent(kind string, payloadJSON []byte) (uint64, error)
	ListAuditEventsByKind(kind string) ([]AuditEventRecord, error)

	Close() error
}
