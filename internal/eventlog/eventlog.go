// Package eventlog is the authoritative, replayable per-user event log: it
// validates and persists an inbound client message with idempotent replay
// handling, persists assistant replies (streamed or not), and serves bounded
// replay to a reconnecting device. Grounded on the teacher's per-channel
// replay buffer (room.go's BufferMessage / GetMessagesSince) but backed by
// SQLite instead of an in-memory ring so it survives a restart, and on the
// corpus's hashing-for-idempotency pattern (blob content-addressing) for the
// contentHash/attachmentsHash comparison a retried message is checked
// against.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clawline/internal/clawerr"
	"clawline/internal/dispatcher"
	"clawline/internal/protocol"
	"clawline/internal/store"
)

// Log serializes writes through a dispatcher.Writer and reads directly from
// the store.
type Log struct {
	st         *store.Store
	writer     *dispatcher.Writer
	maxReplay  int
	maxPrompt  int
}

// New builds an event log backed by st, serializing writes through writer.
func New(st *store.Store, writer *dispatcher.Writer, maxReplay, maxPrompt int) *Log {
	if maxReplay <= 0 {
		maxReplay = 500
	}
	if maxPrompt <= 0 {
		maxPrompt = 200
	}
	return &Log{st: st, writer: writer, maxReplay: maxReplay, maxPrompt: maxPrompt}
}

// Outcome describes how Append resolved one inbound client message.
type Outcome int

const (
	// OutcomeNew means the message was never seen before and was freshly
	// persisted; the caller must ack, broadcast the user echo, and enqueue
	// the adapter call.
	OutcomeNew Outcome = iota
	// OutcomeDuplicateResendAck means an identical retry of a message whose
	// assistant reply is still streaming or has already been finalized was
	// seen; the caller must resend the ack only, never re-broadcast or
	// re-persist.
	OutcomeDuplicateResendAck
	// OutcomeDuplicateReenqueue means an identical retry of a message whose
	// prior adapter attempt never produced a finalized assistant reply; the
	// caller must resend the ack and re-enqueue the adapter call.
	OutcomeDuplicateReenqueue
)

// AppendResult is the outcome of appending one user message.
type AppendResult struct {
	Outcome     Outcome
	EventID     string
	Sequence    int64
	PayloadJSON string
}

// ContentHash returns the SHA-256 hex digest of a message's content field,
// the idempotency comparison spec.md keys a retried message's content on.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// canonicalAttachment is the shape an attachment is hashed in, independent
// of wire field ordering.
type canonicalAttachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// AttachmentsHash returns the SHA-256 hex digest of attachments' canonical
// JSON encoding: a compact, key-ordered array, in submission order (reorder
// of the attachments themselves changes the hash; reorder of an individual
// object's keys does not, since Go's json.Marshal on a struct always emits
// fields in declaration order). An empty list hashes as "[]", matching
// spec.md's explicit empty-case constant.
func AttachmentsHash(attachments []protocol.Attachment) (string, error) {
	canon := make([]canonicalAttachment, 0, len(attachments))
	for _, a := range attachments {
		switch a.Type {
		case "image":
			canon = append(canon, canonicalAttachment{Type: "image", MimeType: a.MimeType, Data: a.Data})
		case "asset":
			canon = append(canon, canonicalAttachment{Type: "asset", AssetID: a.AssetID})
		default:
			canon = append(canon, canonicalAttachment{Type: a.Type, MimeType: a.MimeType, Data: a.Data, AssetID: a.AssetID})
		}
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("marshal attachments for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func encodeAttachmentsJSON(attachments []protocol.Attachment) (string, error) {
	data, err := json.Marshal(attachments)
	if err != nil {
		return "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(data), nil
}

// userEchoPayload is the JSON shape stored in an events row for a
// user-originated message, and replayed back to every device as a "message"
// envelope with Role "user".
type userEchoPayload struct {
	ID          string               `json:"id"`
	Role        string               `json:"role"`
	Content     string               `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Timestamp   int64                `json:"timestamp"`
	DeviceID    string               `json:"deviceId"`
}

// AppendParams are the validated fields of one inbound client message.
type AppendParams struct {
	DeviceID    string
	UserID      string
	ClientID    string
	Content     string
	Attachments []protocol.Attachment
	AssetIDs    []string
}

// Append persists or deduplicates one inbound client message, keyed on
// (deviceId, clientId) as spec.md's idempotency unit requires — two
// different devices reusing the same clientId are distinct messages, never
// deduplicated against each other.
func (l *Log) Append(ctx context.Context, p AppendParams) (AppendResult, error) {
	contentHash := ContentHash(p.Content)
	attachmentsHash, err := AttachmentsHash(p.Attachments)
	if err != nil {
		return AppendResult{}, err
	}
	attachmentsJSON, err := encodeAttachmentsJSON(p.Attachments)
	if err != nil {
		return AppendResult{}, err
	}

	existing, found, err := l.st.MessageByDeviceClient(ctx, p.DeviceID, p.ClientID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("check existing message: %w", err)
	}
	if found {
		if existing.ContentHash != contentHash || existing.AttachmentsHash != attachmentsHash {
			return AppendResult{}, clawerr.New(clawerr.CodeInvalidMessage, "retry of an existing message id with different content")
		}

		if existing.AssistantEventID == "" {
			// No assistant activity has started for this message at all —
			// re-enqueue so the adapter actually gets called.
			return AppendResult{Outcome: OutcomeDuplicateReenqueue, EventID: existing.ServerEventID, Sequence: existing.ServerSequence}, nil
		}
		reply, ok, err := l.st.EventByID(ctx, existing.AssistantEventID)
		if err != nil {
			return AppendResult{}, fmt.Errorf("load assistant reply for retry: %w", err)
		}
		if !ok {
			return AppendResult{Outcome: OutcomeDuplicateReenqueue, EventID: existing.ServerEventID, Sequence: existing.ServerSequence}, nil
		}
		switch reply.Streaming {
		case 2: // failed
			return AppendResult{}, clawerr.New(clawerr.CodeInvalidMessage, "message id already failed and cannot be retried")
		case 1: // actively streaming
			return AppendResult{Outcome: OutcomeDuplicateResendAck, EventID: existing.ServerEventID, Sequence: existing.ServerSequence}, nil
		default: // 0: finalized
			return AppendResult{Outcome: OutcomeDuplicateResendAck, EventID: existing.ServerEventID, Sequence: existing.ServerSequence}, nil
		}
	}

	eventID := uuid.NewString()
	nowMs := time.Now().UTC().UnixMilli()
	payload := userEchoPayload{
		ID: p.ClientID, Role: "user", Content: p.Content, Attachments: p.Attachments,
		Timestamp: nowMs, DeviceID: p.DeviceID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshal user echo payload: %w", err)
	}

	var seq int64
	err = l.writer.TrySubmit(ctx, func(ctx context.Context) error {
		var txErr error
		seq, txErr = l.st.PersistUserMessage(ctx, store.PersistUserMessageParams{
			DeviceID: p.DeviceID, ClientID: p.ClientID, UserID: p.UserID,
			Content: p.Content, ContentHash: contentHash, AttachmentsHash: attachmentsHash,
			AttachmentsJSON: attachmentsJSON, ByteSize: len(p.Content),
			TimestampMs: nowMs, EventID: eventID, PayloadJSON: string(payloadBytes),
			PayloadBytes: len(payloadBytes), AssetIDs: p.AssetIDs,
		})
		return txErr
	})
	if err != nil {
		if err == dispatcher.ErrQueueFull {
			return AppendResult{}, clawerr.New(clawerr.CodeRateLimited, "write queue is at capacity")
		}
		if err == store.ErrAssetNotFound {
			return AppendResult{}, clawerr.New(clawerr.CodeAssetNotFound, "referenced asset does not exist or is not owned by this user")
		}
		return AppendResult{}, fmt.Errorf("persist message: %w", err)
	}

	return AppendResult{Outcome: OutcomeNew, EventID: eventID, Sequence: seq, PayloadJSON: string(payloadBytes)}, nil
}

// MarkAckSent records that the originating device has been sent its ack for
// (deviceID, clientID), so a later idempotent retry does not need to resend
// it more than once logically (the resend itself is still harmless — acks
// are themselves idempotent on the client).
func (l *Log) MarkAckSent(ctx context.Context, deviceID, clientID string) {
	_ = l.writer.Submit(ctx, func(ctx context.Context) error {
		return l.st.UpdateMessageAckSent(ctx, deviceID, clientID)
	})
}

// assistantPayload is the JSON shape stored in an events row for an
// assistant-originated reply.
type assistantPayload struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Streaming int    `json:"streaming"`
}

// BeginAssistantReply reserves a sequence number and inserts the initial
// streaming=1 events row for an assistant reply before the first chunk has
// arrived, so replay and sibling broadcast have a stable event id to refer
// to even if the stream never completes. originDeviceID/originClientID name
// the client message that triggered this reply and are linked to it so a
// later idempotent retry can find the reply's current state; both may be
// empty when BeginAssistantReply is used outside a message-triggered flow.
func (l *Log) BeginAssistantReply(ctx context.Context, userID, originDeviceID, originClientID string) (eventID string, sequence int64, err error) {
	eventID = "s_" + uuid.NewString()
	nowMs := time.Now().UTC().UnixMilli()
	payload := assistantPayload{ID: eventID, Role: "assistant", Content: "", Timestamp: nowMs, Streaming: 1}
	payloadBytes, merr := json.Marshal(payload)
	if merr != nil {
		return "", 0, fmt.Errorf("marshal assistant payload: %w", merr)
	}

	err = l.writer.Submit(ctx, func(ctx context.Context) error {
		seq, serr := l.st.NextSeq(ctx, userID)
		if serr != nil {
			return serr
		}
		sequence = seq
		if err := l.st.InsertAssistantEvent(ctx, store.Event{
			ID: eventID, UserID: userID, Sequence: seq, Type: "message",
			Streaming: 1, PayloadJSON: string(payloadBytes), PayloadBytes: len(payloadBytes), Timestamp: nowMs,
		}); err != nil {
			return err
		}
		if originDeviceID != "" && originClientID != "" {
			return l.st.SetMessageAssistantEvent(ctx, originDeviceID, originClientID, eventID)
		}
		return nil
	})
	return eventID, sequence, err
}

// FlushAssistantChunk overwrites an in-flight assistant event's payload with
// the accumulated text so far, called at most every chunkPersistIntervalMs
// or when the chunk buffer crosses its byte bound.
func (l *Log) FlushAssistantChunk(ctx context.Context, eventID, accumulatedText string) error {
	nowMs := time.Now().UTC().UnixMilli()
	payload := assistantPayload{ID: eventID, Role: "assistant", Content: accumulatedText, Timestamp: nowMs, Streaming: 1}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal assistant chunk payload: %w", err)
	}
	return l.writer.Submit(ctx, func(ctx context.Context) error {
		return l.st.UpdateEventPayload(ctx, eventID, string(payloadBytes), len(payloadBytes), 1)
	})
}

// FinalizeAssistantReply persists the final text for an assistant reply and
// marks it streaming=0 (done). If deviceID/clientID name the originating
// client message, that message row is advanced to streaming=0 too.
func (l *Log) FinalizeAssistantReply(ctx context.Context, eventID, finalText string, deviceID, clientID string) (string, error) {
	nowMs := time.Now().UTC().UnixMilli()
	payload := assistantPayload{ID: eventID, Role: "assistant", Content: finalText, Timestamp: nowMs, Streaming: 0}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal final assistant payload: %w", err)
	}
	err = l.writer.Submit(ctx, func(ctx context.Context) error {
		if err := l.st.UpdateEventPayload(ctx, eventID, string(payloadBytes), len(payloadBytes), 0); err != nil {
			return err
		}
		if deviceID != "" && clientID != "" {
			return l.st.SetMessageStreaming(ctx, deviceID, clientID, 0)
		}
		return nil
	})
	return string(payloadBytes), err
}

// FailAssistantReply marks an in-flight assistant reply (and its originating
// message row, if any) as failed (streaming=2) on adapter error or
// inactivity timeout.
func (l *Log) FailAssistantReply(ctx context.Context, eventID, deviceID, clientID string) error {
	return l.writer.Submit(ctx, func(ctx context.Context) error {
		if err := l.st.SetEventStreaming(ctx, eventID, 2); err != nil {
			return err
		}
		if deviceID != "" && clientID != "" {
			return l.st.SetMessageStreaming(ctx, deviceID, clientID, 2)
		}
		return nil
	})
}

// ReplayFor resolves a reconnecting device's replay window. A nil or
// unresolved anchor falls back to the most recent maxReplay events with
// historyReset=true; a resolved anchor replays everything after it,
// truncated to maxReplay with replayTruncated=true if there was more.
func (l *Log) ReplayFor(ctx context.Context, userID string, lastMessageID *string) (events []store.Event, replayTruncated, historyReset bool, err error) {
	if lastMessageID != nil && *lastMessageID != "" {
		anchor, ok, lookupErr := l.resolveAnchor(ctx, userID, *lastMessageID)
		if lookupErr != nil {
			return nil, false, false, lookupErr
		}
		if ok {
			rows, serr := l.st.EventsSince(ctx, userID, anchor, l.maxReplay)
			if serr != nil {
				return nil, false, false, serr
			}
			if len(rows) > l.maxReplay {
				return rows[:l.maxReplay], true, false, nil
			}
			return rows, false, false, nil
		}
	}

	rows, err := l.st.RecentEvents(ctx, userID, l.maxReplay)
	if err != nil {
		return nil, false, false, err
	}
	truncated := len(rows) > l.maxReplay
	if truncated {
		rows = rows[:l.maxReplay]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, truncated, true, nil
}

func (l *Log) resolveAnchor(ctx context.Context, userID, lastMessageID string) (int64, bool, error) {
	rows, err := l.st.RecentEvents(ctx, userID, l.maxReplay*4)
	if err != nil {
		return 0, false, err
	}
	for _, r := range rows {
		if r.ID == lastMessageID {
			return r.Sequence, true, nil
		}
	}
	return 0, false, nil
}

// PromptWindow assembles the adapter prompt window: the most recent
// maxPrompt-1 prior events formatted "User: "/"Assistant: " oldest to
// newest, followed by the new message's own content. When the newest stored
// event is the new message's own user echo (the caller persists it first),
// that echo is left out so the content appears only once, as the last line.
func (l *Log) PromptWindow(ctx context.Context, userID, newContent string) (string, error) {
	rows, err := l.st.PromptEvents(ctx, userID, l.maxPrompt)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(rows)+1)
	for _, r := range rows {
		var p struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(r.PayloadJSON), &p); err != nil {
			continue
		}
		prefix := "User: "
		if p.Role == "assistant" {
			prefix = "Assistant: "
		}
		lines = append(lines, prefix+p.Content)
	}
	if n := len(lines); n > 0 && lines[n-1] == "User: "+newContent {
		lines = lines[:n-1]
	}
	if len(lines) > l.maxPrompt-1 {
		lines = lines[len(lines)-(l.maxPrompt-1):]
	}
	lines = append(lines, "User: "+newContent)
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}
