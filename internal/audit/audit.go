// Package audit records administrative actions — pairing approvals,
// denials, and device revocations — to the store's audit_log table and
// serves them back out for an operator dashboard. Grounded on the teacher's
// Room.AuditLog callback (main.go wires it to store.InsertAuditLog) adapted
// to Clawline's device-centric admin model in place of the teacher's
// numeric actor user id.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clawline/internal/store"
)

// Log records and retrieves admin audit entries.
type Log struct {
	st *store.Store
}

// New builds an audit log backed by st.
func New(st *store.Store) *Log {
	return &Log{st: st}
}

// Entry is one admin action as surfaced to callers, with details already
// decoded from the stored JSON blob.
type Entry struct {
	ID            int64
	ActorDeviceID string
	Action        string
	Target        string
	Details       map[string]any
	CreatedAt     time.Time
}

// Record persists one audit entry. details may be nil.
func (l *Log) Record(ctx context.Context, actorDeviceID, action, target string, details map[string]any) error {
	encoded := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		encoded = string(raw)
	}
	return l.st.InsertAudit(ctx, actorDeviceID, action, target, encoded)
}

// List returns the most recent audit entries, newest first, optionally
// filtered to one action name.
func (l *Log) List(ctx context.Context, action string, limit int) ([]Entry, error) {
	rows, err := l.st.ListAudit(ctx, action, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		var details map[string]any
		if r.Details != "" {
			_ = json.Unmarshal([]byte(r.Details), &details)
		}
		out = append(out, Entry{
			ID:            r.ID,
			ActorDeviceID: r.ActorDeviceID,
			Action:        r.Action,
			Target:        r.Target,
			Details:       details,
			CreatedAt:     r.CreatedAt,
		})
	}
	return out, nil
}
