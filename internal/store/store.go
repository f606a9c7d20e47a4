// Package store persists Clawline's authoritative state in an embedded
// SQLite database: the per-user event log, the message idempotency
// substrate, and uploaded asset metadata. It owns the database lifecycle and
// exposes the operations the event log, media service, and audit log build
// on top of. Device and user identity live outside this package, in the
// pairing manager's JSON allowlist — see internal/pairing.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings, in the teacher's style. Each is applied exactly once; the
// applied version is tracked in the schema_migrations table. To add a
// migration, append a new string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by lookups, matched with errors.Is by callers.
var (
	ErrNotFound       = errors.New("record not found")
	ErrSeqConflict    = errors.New("sequence already allocated")
	ErrAssetNotFound  = errors.New("referenced asset not found or not owned by this user")
	ErrSchemaMismatch = errors.New("database schema is not at the expected version")
)

// SchemaVersion is the number of migrations a healthy database must have
// applied. Startup compares this against the applied count and refuses to
// run on a mismatch rather than risk operating against a half-migrated or
// foreign database file.
const SchemaVersion = 12

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — per-user monotonic sequence allocator
	`CREATE TABLE IF NOT EXISTS user_sequences (
		user_id       TEXT PRIMARY KEY,
		next_sequence INTEGER NOT NULL DEFAULT 1
	)`,
	// v2–v3 — event log: every user-echo and assistant reply a device can replay
	`CREATE TABLE IF NOT EXISTS events (
		id                     TEXT PRIMARY KEY,
		user_id                TEXT NOT NULL,
		sequence               INTEGER NOT NULL,
		originating_device_id  TEXT,
		type                   TEXT NOT NULL,
		streaming              INTEGER NOT NULL DEFAULT 0,
		payload_json           TEXT NOT NULL DEFAULT '',
		payload_bytes          INTEGER NOT NULL DEFAULT 0,
		timestamp              INTEGER NOT NULL,
		UNIQUE(user_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_seq ON events(user_id, sequence)`,
	// v4–v5 — messages: the idempotency + ack-tracking substrate for a
	// client-submitted message, keyed by the device/clientId pair that
	// originated it rather than by a server-assigned id.
	`CREATE TABLE IF NOT EXISTS messages (
		device_id        TEXT NOT NULL,
		client_id        TEXT NOT NULL,
		user_id          TEXT NOT NULL,
		server_event_id  TEXT REFERENCES events(id),
		server_sequence  INTEGER,
		content          TEXT NOT NULL DEFAULT '',
		content_hash     TEXT NOT NULL DEFAULT '',
		attachments_hash TEXT NOT NULL DEFAULT '',
		attachments_json TEXT NOT NULL DEFAULT '',
		byte_size        INTEGER NOT NULL DEFAULT 0,
		timestamp        INTEGER NOT NULL,
		streaming        INTEGER NOT NULL DEFAULT 0,
		ack_sent         INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, client_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id)`,
	// v6–v8 — assets and their attachment to messages. message_assets cascades
	// from its owning message but restricts deletion of a still-referenced
	// asset, the substrate for the "referenced assets survive the TTL sweep"
	// invariant.
	`CREATE TABLE IF NOT EXISTS assets (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		uploader_device_id TEXT NOT NULL,
		mime_type          TEXT NOT NULL,
		size_bytes         INTEGER NOT NULL CHECK(size_bytes >= 0),
		created_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assets_user ON assets(user_id)`,
	`CREATE TABLE IF NOT EXISTS message_assets (
		device_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		asset_id  TEXT NOT NULL REFERENCES assets(id) ON DELETE RESTRICT,
		PRIMARY KEY (device_id, client_id, asset_id),
		FOREIGN KEY (device_id, client_id) REFERENCES messages(device_id, client_id) ON DELETE CASCADE
	)`,
	// v9–v10 — admin audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_device_id TEXT NOT NULL,
		action          TEXT NOT NULL,
		target          TEXT NOT NULL DEFAULT '',
		details         TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	// v11 — WAL mode for concurrent readers alongside the single writer
	`PRAGMA journal_mode=WAL`,
	// v12 — links a client message to the assistant-reply event it triggered,
	// once one has been started; NULL means no assistant activity has begun
	// yet for this message, the signal the idempotent-retry path uses to
	// decide whether to re-enqueue the adapter call.
	`ALTER TABLE messages ADD COLUMN assistant_event_id TEXT`,
}

// Store wraps a SQLite database and exposes Clawline's persistence
// operations. Writes must be serialized by callers — see internal/dispatcher
// for the single-writer queue that owns this constraint.
type Store struct {
	db *sql.DB
}

// dsn builds a modernc.org/sqlite connection string that turns on foreign
// key enforcement for every connection the pool opens — a one-time `PRAGMA
// foreign_keys=ON` exec does not survive across pooled connections, so it
// must be a DSN-level setting instead.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count applied migrations: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration v%d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	slog.Debug("sqlite migrations applied", "version", len(migrations))
	return nil
}

// VerifySchema reports whether the database is at exactly SchemaVersion,
// the check the startup sequence runs before trusting the database.
func (s *Store) VerifySchema(ctx context.Context) error {
	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count applied migrations: %w", err)
	}
	if applied != SchemaVersion {
		return fmt.Errorf("%w: applied=%d want=%d", ErrSchemaMismatch, applied, SchemaVersion)
	}
	return nil
}

// EnsureUserSequence creates userID's sequence counter if it does not
// already exist, a no-op otherwise. Called both when a user is first
// allowlisted and defensively before NextSeq.
func (s *Store) EnsureUserSequence(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_sequences (user_id, next_sequence) VALUES (?, 1)`, userID)
	if err != nil {
		return fmt.Errorf("ensure user sequence: %w", err)
	}
	return nil
}

// NextSeq atomically allocates the next per-user sequence number, using an
// UPDATE ... RETURNING in place of app-level counters.
func (s *Store) NextSeq(ctx context.Context, userID string) (int64, error) {
	if err := s.EnsureUserSequence(ctx, userID); err != nil {
		return 0, err
	}
	const q = `UPDATE user_sequences SET next_sequence = next_sequence + 1 WHERE user_id = ? RETURNING next_sequence - 1`
	var seq int64
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return seq, nil
}

// Event is one persisted event-log entry. Timestamp is milliseconds since
// the epoch, the precision the wire protocol uses.
type Event struct {
	ID                  string
	UserID              string
	Sequence            int64
	OriginatingDeviceID string
	Type                string
	Streaming           int
	PayloadJSON         string
	PayloadBytes        int
	Timestamp           int64
}

// InsertAssistantEvent persists an assistant-originated event (no associated
// client device/clientId, so no messages row). Used both for a
// non-streaming reply and, for a streaming one, to create the initial
// streaming=1 row before any chunk has been buffered.
func (s *Store) InsertAssistantEvent(ctx context.Context, e Event) error {
	const q = `
INSERT INTO events (id, user_id, sequence, originating_device_id, type, streaming, payload_json, payload_bytes, timestamp)
VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q, e.ID, e.UserID, e.Sequence, e.Type, e.Streaming, e.PayloadJSON, e.PayloadBytes, e.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSeqConflict
		}
		return fmt.Errorf("insert assistant event: %w", err)
	}
	return nil
}

// UpdateEventPayload overwrites an event's payload and streaming marker, the
// operation a streaming chunk flush or a stream's final write performs.
func (s *Store) UpdateEventPayload(ctx context.Context, eventID string, payloadJSON string, payloadBytes int, streaming int) error {
	const q = `UPDATE events SET payload_json = ?, payload_bytes = ?, streaming = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, payloadJSON, payloadBytes, streaming, eventID)
	if err != nil {
		return fmt.Errorf("update event payload: %w", err)
	}
	return nil
}

// SetEventStreaming updates only an event's streaming marker.
func (s *Store) SetEventStreaming(ctx context.Context, eventID string, streaming int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET streaming = ? WHERE id = ?`, streaming, eventID)
	if err != nil {
		return fmt.Errorf("update event streaming: %w", err)
	}
	return nil
}

// EventBySequence resolves the event at exactly (userID, sequence), used to
// turn a reconnecting device's lastMessageId into a replay anchor.
func (s *Store) EventBySequence(ctx context.Context, userID string, sequence int64) (Event, bool, error) {
	const q = `
SELECT id, user_id, sequence, COALESCE(originating_device_id, ''), type, streaming, payload_json, payload_bytes, timestamp
FROM events WHERE user_id = ? AND sequence = ?
`
	var ev Event
	err := s.db.QueryRowContext(ctx, q, userID, sequence).Scan(
		&ev.ID, &ev.UserID, &ev.Sequence, &ev.OriginatingDeviceID, &ev.Type, &ev.Streaming, &ev.PayloadJSON, &ev.PayloadBytes, &ev.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("query event by sequence: %w", err)
	}
	return ev, true, nil
}

// EventsSince returns up to limit+1 events for userID with sequence >
// afterSeq, ordered oldest first, excluding partial (streaming=1) rows which
// are never replayed. Returning one extra row lets the caller detect
// truncation without a second COUNT query.
func (s *Store) EventsSince(ctx context.Context, userID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `
SELECT id, user_id, sequence, COALESCE(originating_device_id, ''), type, streaming, payload_json, payload_bytes, timestamp
FROM events
WHERE user_id = ? AND sequence > ? AND streaming != 1
ORDER BY sequence ASC
LIMIT ?
`
	return s.queryEvents(ctx, q, userID, afterSeq, limit+1)
}

// RecentEvents returns the most recent limit+1 non-partial events for
// userID, newest first — the replay fallback for a device with no usable
// lastMessageId anchor (first auth, or an unknown one).
func (s *Store) RecentEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `
SELECT id, user_id, sequence, COALESCE(originating_device_id, ''), type, streaming, payload_json, payload_bytes, timestamp
FROM events
WHERE user_id = ? AND streaming != 1
ORDER BY sequence DESC
LIMIT ?
`
	return s.queryEvents(ctx, q, userID, limit+1)
}

// PromptEvents returns the most recent limit non-partial events for userID,
// oldest first, for assembling the adapter prompt window.
func (s *Store) PromptEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	rows, err := s.RecentEvents(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Sequence, &ev.OriginatingDeviceID, &ev.Type, &ev.Streaming, &ev.PayloadJSON, &ev.PayloadBytes, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Message is the idempotency/ack-tracking row for one client-submitted
// message, keyed by (deviceId, clientId).
type Message struct {
	DeviceID        string
	ClientID        string
	UserID          string
	ServerEventID   string
	ServerSequence  int64
	Content         string
	ContentHash     string
	AttachmentsHash string
	AttachmentsJSON string
	ByteSize        int
	Timestamp       int64
	Streaming       int
	AckSent         bool
	AssistantEventID string
}

// MessageByDeviceClient looks up a previously stored message by the
// (deviceId, clientId) idempotency key.
func (s *Store) MessageByDeviceClient(ctx context.Context, deviceID, clientID string) (Message, bool, error) {
	const q = `
SELECT device_id, client_id, user_id, COALESCE(server_event_id, ''), COALESCE(server_sequence, 0),
       content, content_hash, attachments_hash, attachments_json, byte_size, timestamp, streaming, ack_sent,
       COALESCE(assistant_event_id, '')
FROM messages WHERE device_id = ? AND client_id = ?
`
	var (
		m       Message
		ackSent int
	)
	err := s.db.QueryRowContext(ctx, q, deviceID, clientID).Scan(
		&m.DeviceID, &m.ClientID, &m.UserID, &m.ServerEventID, &m.ServerSequence,
		&m.Content, &m.ContentHash, &m.AttachmentsHash, &m.AttachmentsJSON, &m.ByteSize, &m.Timestamp, &m.Streaming, &ackSent,
		&m.AssistantEventID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("query message: %w", err)
	}
	m.AckSent = ackSent != 0
	return m, true, nil
}

// SetMessageAssistantEvent links (deviceID, clientID)'s message row to the
// assistant-reply event its adapter call started, so a later idempotent
// retry can tell "never started" (empty) apart from "in flight or done"
// (the event's own streaming marker settles that).
func (s *Store) SetMessageAssistantEvent(ctx context.Context, deviceID, clientID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET assistant_event_id = ? WHERE device_id = ? AND client_id = ?`, eventID, deviceID, clientID)
	if err != nil {
		return fmt.Errorf("link message to assistant event: %w", err)
	}
	return nil
}

// EventByID looks up a single event by its id, used to inspect an assistant
// reply's current streaming state during an idempotent-retry check.
func (s *Store) EventByID(ctx context.Context, id string) (Event, bool, error) {
	const q = `
SELECT id, user_id, sequence, COALESCE(originating_device_id, ''), type, streaming, payload_json, payload_bytes, timestamp
FROM events WHERE id = ?
`
	var ev Event
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&ev.ID, &ev.UserID, &ev.Sequence, &ev.OriginatingDeviceID, &ev.Type, &ev.Streaming, &ev.PayloadJSON, &ev.PayloadBytes, &ev.Timestamp,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("query event by id: %w", err)
	}
	return ev, true, nil
}

// UpdateMessageAckSent marks a message's ack as delivered.
func (s *Store) UpdateMessageAckSent(ctx context.Context, deviceID, clientID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET ack_sent = 1 WHERE device_id = ? AND client_id = ?`, deviceID, clientID)
	if err != nil {
		return fmt.Errorf("update message ack_sent: %w", err)
	}
	return nil
}

// SetMessageStreaming updates a message's streaming marker (1 while its
// assistant reply is in flight, 0 once finalized, 2 on failure/timeout).
func (s *Store) SetMessageStreaming(ctx context.Context, deviceID, clientID string, streaming int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET streaming = ? WHERE device_id = ? AND client_id = ?`, streaming, deviceID, clientID)
	if err != nil {
		return fmt.Errorf("update message streaming: %w", err)
	}
	return nil
}

// PersistUserMessage is the atomic §4.6 persist step: reserve a sequence
// number, insert the event row, insert the message row, and attach any
// asset references — all or nothing. A referenced asset that does not exist
// or is not owned by UserID rolls the whole transaction back and returns
// ErrAssetNotFound.
type PersistUserMessageParams struct {
	DeviceID        string
	ClientID        string
	UserID          string
	Content         string
	ContentHash     string
	AttachmentsHash string
	AttachmentsJSON string
	ByteSize        int
	TimestampMs     int64
	EventID         string
	PayloadJSON     string
	PayloadBytes    int
	AssetIDs        []string
}

func (s *Store) PersistUserMessage(ctx context.Context, p PersistUserMessageParams) (sequence int64, err error) {
	if err := s.EnsureUserSequence(ctx, p.UserID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin persist message tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.QueryRowContext(ctx, `UPDATE user_sequences SET next_sequence = next_sequence + 1 WHERE user_id = ? RETURNING next_sequence - 1`, p.UserID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO events (id, user_id, sequence, originating_device_id, type, streaming, payload_json, payload_bytes, timestamp)
VALUES (?, ?, ?, ?, 'message', 0, ?, ?, ?)
`, p.EventID, p.UserID, seq, p.DeviceID, p.PayloadJSON, p.PayloadBytes, p.TimestampMs)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO messages (device_id, client_id, user_id, server_event_id, server_sequence, content, content_hash, attachments_hash, attachments_json, byte_size, timestamp, streaming, ack_sent)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)
`, p.DeviceID, p.ClientID, p.UserID, p.EventID, seq, p.Content, p.ContentHash, p.AttachmentsHash, p.AttachmentsJSON, p.ByteSize, p.TimestampMs)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	for _, assetID := range p.AssetIDs {
		var owner string
		lookupErr := tx.QueryRowContext(ctx, `SELECT user_id FROM assets WHERE id = ?`, assetID).Scan(&owner)
		if errors.Is(lookupErr, sql.ErrNoRows) || (lookupErr == nil && owner != p.UserID) {
			err = ErrAssetNotFound
			return 0, err
		}
		if lookupErr != nil {
			err = fmt.Errorf("lookup asset %s: %w", assetID, lookupErr)
			return 0, err
		}
		if _, execErr := tx.ExecContext(ctx, `INSERT INTO message_assets (device_id, client_id, asset_id) VALUES (?, ?, ?)`, p.DeviceID, p.ClientID, assetID); execErr != nil {
			err = fmt.Errorf("attach asset %s: %w", assetID, execErr)
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit persist message tx: %w", err)
	}
	return seq, nil
}

// RecoverStaleStreaming marks any event or message still marked streaming=1
// with a timestamp older than cutoff (ms epoch) as failed (streaming=2),
// the startup-recovery step for a prior process that crashed mid-stream.
func (s *Store) RecoverStaleStreaming(ctx context.Context, cutoffMs int64) (int, error) {
	total := 0
	res, err := s.db.ExecContext(ctx, `UPDATE events SET streaming = 2 WHERE streaming = 1 AND timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("recover stale event streams: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		total += int(n)
	}
	res, err = s.db.ExecContext(ctx, `UPDATE messages SET streaming = 2 WHERE streaming = 1 AND timestamp < ?`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("recover stale message streams: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		total += int(n)
	}
	return total, nil
}

// DeleteOrphanMessages removes any message row left with no server_event_id
// (a crash between the event and message inserts under a non-atomic write
// path) along with its message_assets rows.
func (s *Store) DeleteOrphanMessages(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE server_event_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Asset is persisted metadata for one uploaded blob.
type Asset struct {
	ID               string
	UserID           string
	UploaderDeviceID string
	MimeType         string
	SizeBytes        int64
	CreatedAt        time.Time
}

// CreateAsset persists asset metadata.
func (s *Store) CreateAsset(ctx context.Context, a Asset) error {
	const q = `
INSERT INTO assets (id, user_id, uploader_device_id, mime_type, size_bytes, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q, a.ID, a.UserID, a.UploaderDeviceID, a.MimeType, a.SizeBytes, a.CreatedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// AssetByID looks up asset metadata by ID.
func (s *Store) AssetByID(ctx context.Context, id string) (Asset, error) {
	const q = `SELECT id, user_id, uploader_device_id, mime_type, size_bytes, created_at FROM assets WHERE id = ?`
	var (
		a         Asset
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&a.ID, &a.UserID, &a.UploaderDeviceID, &a.MimeType, &a.SizeBytes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("query asset: %w", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

// AssetOwnedBy reports whether assetID exists and is owned by userID,
// without loading the rest of its metadata — the check the message
// validator runs on every referenced assetId.
func (s *Store) AssetOwnedBy(ctx context.Context, assetID, userID string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM assets WHERE id = ?`, assetID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check asset ownership: %w", err)
	}
	return owner == userID, nil
}

// DeleteAsset removes asset metadata, used by the media sweep after the
// on-disk file has been removed.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// ExpiredUnreferencedAssets returns assets created at or before cutoff
// (compared in whole seconds, the precision created_at is stored in) that no
// message still references — the only assets the TTL sweep is allowed to
// remove. A referenced asset survives the sweep no matter its age.
func (s *Store) ExpiredUnreferencedAssets(ctx context.Context, cutoff time.Time, limit int) ([]Asset, error) {
	if limit <= 0 {
		limit = 10000
	}
	const q = `
SELECT id, user_id, uploader_device_id, mime_type, size_bytes, created_at
FROM assets
WHERE created_at <= ? AND NOT EXISTS (SELECT 1 FROM message_assets ma WHERE ma.asset_id = assets.id)
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, cutoff.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired unreferenced assets: %w", err)
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		var (
			a         Asset
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.UploaderDeviceID, &a.MimeType, &a.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan expired asset: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertAudit appends one admin audit log entry.
func (s *Store) InsertAudit(ctx context.Context, actorDeviceID, action, target, details string) error {
	const q = `INSERT INTO audit_log (actor_device_id, action, target, details, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, actorDeviceID, action, target, details, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditEntry is one persisted admin action record.
type AuditEntry struct {
	ID            int64
	ActorDeviceID string
	Action        string
	Target        string
	Details       string
	CreatedAt     time.Time
}

// ListAudit returns the most recent audit entries, newest first, optionally
// filtered to a single action name (an empty action returns every action).
func (s *Store) ListAudit(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
SELECT id, actor_device_id, action, target, details, created_at
FROM audit_log
WHERE (? = '' OR action = ?)
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ActorDeviceID, &e.Action, &e.Target, &e.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Backup writes a consistent point-in-time copy of the database to
// destPath using SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	if err != nil {
		return fmt.Errorf("vacuum into %q: %w", destPath, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
