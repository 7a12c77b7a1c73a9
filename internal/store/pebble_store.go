package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// PebbleStore is the pebble-backed Store implementation. Secondary
// "indexes" named in spec §6 are implemented as separate key ranges
// pointing back at the primary key, since pebble's contract is an ordered
// byte-keyed KV, not a relational engine with native index support.
type PebbleStore struct {
	db *pebble.DB

	mu        sync.Mutex // guards the two sequence counters
	nextBatch uint64
	nextAudit uint64
}

// OpenPebbleStore opens (creating if absent) a pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", dir, err)
	}
	s := &PebbleStore{db: db}
	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleStore) loadCounters() error {
	if v, closer, err := s.db.Get([]byte("seq/batch")); err == nil {
		s.nextBatch = binary.BigEndian.Uint64(v)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}
	if v, closer, err := s.db.Get([]byte("seq/audit")); err == nil {
		s.nextAudit = binary.BigEndian.Uint64(v)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return err
	}
	return nil
}

func txKey(id common.Hash) []byte       { return []byte("tx/" + id.Hex()) }
func batchKey(id uint64) []byte         { return []byte(fmt.Sprintf("batch/%020d", id)) }
func acctKey(addr common.Address) []byte { return []byte("acct/" + addr.Hex()) }
func auditKey(id uint64) []byte         { return []byte(fmt.Sprintf("audit/%020d", id)) }

func txStatusIdxKey(status string, id common.Hash) []byte {
	return []byte("idx/tx/status/" + status + "/" + id.Hex())
}
func txBatchIdxKey(batchID uint64, id common.Hash) []byte {
	return []byte(fmt.Sprintf("idx/tx/batch/%020d/%s", batchID, id.Hex()))
}
func batchStatusIdxKey(status string, id uint64) []byte {
	return []byte(fmt.Sprintf("idx/batch/status/%s/%020d", status, id))
}
func auditKindIdxKey(kind string, id uint64) []byte {
	return []byte(fmt.Sprintf("idx/audit/kind/%s/%020d", kind, id))
}

// PutTransaction upserts a transaction record and its secondary indexes.
// A prior status index entry, if any, is removed so ListTransactionsByStatus
// never returns a stale duplicate.
func (s *PebbleStore) PutTransaction(rec TransactionRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if old, ok, err := s.GetTransaction(rec.ID); err == nil && ok && old.Status != rec.Status {
		batch.Delete(txStatusIdxKey(old.Status, rec.ID), nil)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := batch.Set(txKey(rec.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(txStatusIdxKey(rec.Status, rec.ID), []byte{1}, nil); err != nil {
		return err
	}
	if rec.BatchID != nil {
		if err := batch.Set(txBatchIdxKey(*rec.BatchID, rec.ID), []byte{1}, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetTransaction(id common.Hash) (TransactionRecord, bool, error) {
	var rec TransactionRecord
	v, closer, err := s.db.Get(txKey(id))
	if err == pebble.ErrNotFound {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *PebbleStore) ListTransactionsByStatus(status string) ([]TransactionRecord, error) {
	prefix := []byte("idx/tx/status/" + status + "/")
	ids, err := s.scanIDSuffixes(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionRecord, 0, len(ids))
	for _, idHex := range ids {
		rec, ok, err := s.GetTransaction(common.HexToHash(idHex))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *PebbleStore) ListTransactionsByBatch(batchID uint64) ([]TransactionRecord, error) {
	prefix := []byte(fmt.Sprintf("idx/tx/batch/%020d/", batchID))
	ids, err := s.scanIDSuffixes(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionRecord, 0, len(ids))
	for _, idHex := range ids {
		rec, ok, err := s.GetTransaction(common.HexToHash(idHex))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *PebbleStore) PutBatch(rec BatchRecord) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if old, ok, err := s.GetBatch(rec.ID); err == nil && ok && old.Status != rec.Status {
		batch.Delete(batchStatusIdxKey(old.Status, rec.ID), nil)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := batch.Set(batchKey(rec.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(batchStatusIdxKey(rec.Status, rec.ID), []byte{1}, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetBatch(id uint64) (BatchRecord, bool, error) {
	var rec BatchRecord
	v, closer, err := s.db.Get(batchKey(id))
	if err == pebble.ErrNotFound {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *PebbleStore) ListBatchesByStatus(status string) ([]BatchRecord, error) {
	prefix := []byte("idx/batch/status/" + status + "/")
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []BatchRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var id uint64
		fmt.Sscanf(string(iter.Key()[len(prefix):]), "%020d", &id)
		rec, ok, err := s.GetBatch(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, iter.Error()
}

// NextBatchID allocates and persists the next monotonic batch ID (spec §3:
// "Confirmed batches form a strictly increasing sequence by batch_id").
func (s *PebbleStore) NextBatchID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextBatch
	s.nextBatch++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nextBatch)
	if err := s.db.Set([]byte("seq/batch"), buf[:], pebble.Sync); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PebbleStore) PutAccount(rec AccountRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(acctKey(rec.Address), data, pebble.Sync)
}

func (s *PebbleStore) GetAccount(addr common.Address) (AccountRecord, bool, error) {
	var rec AccountRecord
	v, closer, err := s.db.Get(acctKey(addr))
	if err == pebble.ErrNotFound {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// AppendAuditEvent appends an audit_events row (append-only per spec §6)
// and returns its allocated ID.
func (s *PebbleStore) AppendAuditEvent(kind string, payloadJSON []byte) (uint64, error) {
	s.mu.Lock()
	id := s.nextAudit
	s.nextAudit++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nextAudit)
	if err := s.db.Set([]byte("seq/audit"), buf[:], pebble.Sync); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	rec := AuditEventRecord{ID: id, Kind: kind, PayloadJSON: payloadJSON}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	wb := s.db.NewBatch()
	defer wb.Close()
	if err := wb.Set(auditKey(id), data, nil); err != nil {
		return 0, err
	}
	if err := wb.Set(auditKindIdxKey(kind, id), []byte{1}, nil); err != nil {
		return 0, err
	}
	return id, wb.Commit(pebble.Sync)
}

func (s *PebbleStore) ListAuditEventsByKind(kind string) ([]AuditEventRecord, error) {
	prefix := []byte("idx/audit/kind/" + kind + "/")
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []AuditEventRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var id uint64
		fmt.Sscanf(string(iter.Key()[len(prefix):]), "%020d", &id)
		v, closer, err := s.db.Get(auditKey(id))
		if err != nil {
			continue
		}
		var rec AuditEventRecord
		if err := json.Unmarshal(v, &rec); err == nil {
			out = append(out, rec)
		}
		closer.Close()
	}
	return out, iter.Error()
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// scanIDSuffixes returns the hex-ID suffix of every key under prefix.
func (s *PebbleStore) scanIDSuffixes(prefix []byte) ([]string, error) {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
		}
	}
	return &pebble.IterOptions{LowerBound: prefix}
}
