package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/l2seq/sequencer/internal/types"
)

// Journal error codes.
var (
	ErrJournalClosed   = errors.New("journal is closed")
	ErrJournalNotFound = errors.New("journal file not found")
)

// JournalEntry is a single write-ahead record of one transaction. The
// sequencer's admission path does not write entries; TxJournal is a
// standalone log that callers append to explicitly.
type JournalEntry struct {
	Fingerprint common.Hash    `json:"fingerprint"`
	Sender      common.Address `json:"sender"`
	Recipient   common.Address `json:"recipient"`
	Amount      string         `json:"amount"`
	Nonce       uint64         `json:"nonce"`
	Expiry      int64          `json:"expiry"`
	Kind        types.Kind     `json:"kind"`
	Payload     []byte         `json:"payload"`
	Signature   []byte         `json:"signature"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TxJournal is an append-only write-ahead log for admitted transactions,
// adapted from the teacher's txpool.TxJournal: same append/rotate/replay
// shape, generalized from RLP transaction encoding to the sequencer's own
// Transaction record.
type TxJournal struct {
	mu   sync.Mutex
	path string
	file *os.File

	closed bool
	count  int
}

// NewTxJournal opens (creating if absent) the journal file at path in
// append mode.
func NewTxJournal(path string) (*TxJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &TxJournal{path: path, file: f}, nil
}

// Insert appends one entry for tx; the entry can later be read back by
// LoadJournal. Nothing in the sequencer calls it.
func (j *TxJournal) Insert(tx *types.Transaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	var amount string
	if tx.Amount != nil {
		amount = tx.Amount.Dec()
	}
	entry := JournalEntry{
		Fingerprint: tx.Fingerprint(),
		Sender:      tx.Sender,
		Recipient:   tx.Recipient,
		Amount:      amount,
		Nonce:       tx.Nonce,
		Expiry:      tx.ExpiryTimestamp.Unix(),
		Kind:        tx.Kind,
		Payload:     tx.Payload,
		Signature:   tx.Signature,
		Timestamp:   time.Now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return err
	}
	j.count++
	return nil
}

// LoadJournal reads the journal at path and returns its decoded entries in
// order. Malformed lines (a partial write from a crash mid-append) are
// skipped rather than failing the whole replay.
func LoadJournal(path string) ([]JournalEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJournalNotFound
		}
		return nil, err
	}

	var entries []JournalEntry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var entry JournalEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Rotate replaces the journal with only the entries in still, compacting
// away anything already confirmed into a batch. The replacement is
// atomic: a crash mid-rotation leaves either the old or the new file
// intact, never a half-written one.
func (j *TxJournal) Rotate(still []JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	if err := j.file.Sync(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	tmpPath := j.path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		j.file, _ = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		return err
	}

	for _, entry := range still {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := tmpFile.Write(data); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			j.file, _ = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			return err
		}
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		j.file, _ = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		j.file, _ = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		return err
	}

	j.file, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	j.count = len(still)
	return nil
}

// Close flushes and closes the journal. Subsequent Insert calls return
// ErrJournalClosed.
func (j *TxJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Count returns the number of entries written since the last rotation.
func (j *TxJournal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
