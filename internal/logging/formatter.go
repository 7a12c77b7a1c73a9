package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AuditEvent is a single audit_events row (spec §6):
// (id, kind, payload_json, created_at).
type AuditEvent struct {
	ID        uint64
	Kind      string
	Payload   map[string]any
	CreatedAt time.Time
}

// AuditFormatter renders an AuditEvent for the operational log stream,
// adapted from the teacher's log.JSONFormatter/TextFormatter pair.
type AuditFormatter interface {
	Format(ev AuditEvent) string
}

// JSONAuditFormatter renders one JSON object per line, matching the
// audit_events table's payload_json column shape directly.
type JSONAuditFormatter struct{}

func (JSONAuditFormatter) Format(ev AuditEvent) string {
	obj := map[string]any{
		"id":         ev.ID,
		"kind":       ev.Kind,
		"created_at": ev.CreatedAt.Format(time.RFC3339),
	}
	for k, v := range ev.Payload {
		obj[k] = v
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Sprintf(`{"id":%d,"kind":%q,"error":"marshal failed"}`, ev.ID, ev.Kind)
	}
	return string(data)
}

// TextAuditFormatter renders a human-readable line, used by operator
// consoles tailing the audit stream.
type TextAuditFormatter struct{}

func (TextAuditFormatter) Format(ev AuditEvent) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ev.CreatedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("] ")
	b.WriteString(fmt.Sprintf("#%d %s", ev.ID, ev.Kind))
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", k, ev.Payload[k]))
	}
	return b.String()
}
