package signing

import (
	"encoding/json"
	"time"

	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/store"
)

// AuditSink persists the "(timestamp, event_kind, provider, key_fingerprint,
// ...)" audit record spec §4.6 requires for every SigningService
// transition and operation.
type AuditSink interface {
	Emit(kind string, payload map[string]any)
}

// storeAuditSink adapts a store.Store + logging.Logger into an AuditSink:
// the structured row goes through store.AppendAuditEvent (spec §6's
// audit_events table), and a human-readable line goes through the logger
// so an operator tailing stderr sees the same events.
type storeAuditSink struct {
	st  store.Store
	log *logging.Logger
}

// NewStoreAuditSink constructs the default AuditSink used by the SigningService.
func NewStoreAuditSink(st store.Store, log *logging.Logger) AuditSink {
	return &storeAuditSink{st: st, log: log}
}

func (s *storeAuditSink) Emit(kind string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("audit payload marshal failed", "kind", kind, "error", err)
		return
	}
	id, err := s.st.AppendAuditEvent(kind, data)
	if err != nil {
		s.log.ReportError("audit append failed", err, "kind", kind)
		return
	}
	s.log.Info("audit event", "id", id, "kind", kind, "at", time.Now().Format(time.RFC3339))
}
