// Package protocol defines Clawline's WebSocket wire types: one envelope
// struct per direction, in the teacher's flat-struct-with-omitempty style,
// generalized from a voice/chat presence protocol to the pairing, auth,
// message, and typing set this provider actually speaks.
package protocol

import "time"

// ProtocolVersion is the only wire protocol version this provider accepts on
// pair_request and auth.
const ProtocolVersion = 1

// Type is the discriminator carried by every envelope.
type Type string

const (
	// Client -> server.
	TypePairRequest  Type = "pair_request"
	TypePairDecision Type = "pair_decision"
	TypeAuth         Type = "auth"
	TypeMessage      Type = "message"
	TypeTyping       Type = "typing"
	TypePing         Type = "ping"

	// Server -> client.
	TypePairApprovalRequest Type = "pair_approval_request"
	TypePairResult          Type = "pair_result"
	TypeAuthResult          Type = "auth_result"
	TypeAck                 Type = "ack"
	TypeEvent               Type = "event"
	TypeTypingServer        Type = "typing"
	TypeError               Type = "error"
	TypePong                Type = "pong"
)

// Attachment is one piece of media carried on a "message" envelope, either
// inline base64 image bytes or a reference to a previously uploaded asset.
type Attachment struct {
	Type     string `json:"type"` // "image" | "asset"
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
	AssetID  string `json:"assetId,omitempty"`
}

// Envelope is the single wire struct carried over /ws in both directions.
// Fields not relevant to a given Type are omitted.
type Envelope struct {
	Type Type `json:"type"`

	// pair_request / auth (client -> server, unauthenticated)
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	DeviceID        string `json:"deviceId,omitempty"`
	ClaimedName     string `json:"claimedName,omitempty"`
	DeviceInfo      string `json:"deviceInfo,omitempty"`

	// pair_decision (client -> server, from an authenticated admin device)
	Approve *bool  `json:"approve,omitempty"`
	UserID  string `json:"userId,omitempty"`

	// auth (client -> server)
	Token         string  `json:"token,omitempty"`
	LastMessageID *string `json:"lastMessageId,omitempty"`

	// message (both directions) / event (server -> client) / typing (both
	// directions)
	ID          string       `json:"id,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Role        string       `json:"role,omitempty"`
	Timestamp   int64        `json:"timestamp,omitempty"`
	Streaming   int          `json:"streaming,omitempty"`
	Active      bool         `json:"active,omitempty"`
	Sequence    int64        `json:"sequence,omitempty"`

	// pair_approval_request (server -> client, to connected admins)
	RequestID string     `json:"requestId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// pair_result / auth_result (server -> client)
	Success         bool   `json:"success,omitempty"`
	Reason          string `json:"reason,omitempty"`
	IsAdmin         bool   `json:"isAdmin,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ReplayCount     int    `json:"replayCount,omitempty"`
	ReplayTruncated bool   `json:"replayTruncated,omitempty"`
	HistoryReset    bool   `json:"historyReset,omitempty"`

	// error (server -> client)
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}
