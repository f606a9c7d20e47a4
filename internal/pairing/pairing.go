// Package pairing implements Clawline's pairing state machine: an
// unauthenticated device requests to pair, a bootstrap admin is created on
// first run, and every subsequent request waits for an existing admin's
// approval or denial before a JWT is issued. A previously allowlisted
// device reconnecting is re-issued a token without admin involvement,
// following the reissue rules in Manager.reissue. Grounded on the
// corpus's dittofs JWT service for token issuance/validation, generalized
// here to a pending-request workflow the JWT service itself has no
// analogue for.
package pairing

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"clawline/internal/clawerr"
	"clawline/internal/store"
)

// userIDPattern matches the spec's mandated "user_<uuidv4>" shape.
var userIDPattern = regexp.MustCompile(`^user_[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

const maxSanitizedFieldBytes = 64

func newUserID() string {
	return "user_" + uuid.NewString()
}

func isValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// sanitizeField strips control characters and trims to at most 64 UTF-8
// bytes, the rule applied to claimedName and deviceInfo before they are
// persisted or echoed to an admin.
func sanitizeField(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for len(out) > maxSanitizedFieldBytes {
		out = out[:len(out)-1]
		for len(out) > 0 && !utf8ValidEnd(out) {
			out = out[:len(out)-1]
		}
	}
	return out
}

func utf8ValidEnd(s string) bool {
	for i := 1; i <= 4 && i <= len(s); i++ {
		if strings.ToValidUTF8(s[len(s)-i:], "") == s[len(s)-i:] {
			return true
		}
	}
	return len(s) == 0
}

// PendingRequest is an in-memory, not-yet-decided pairing request. TTL is
// bounded by CreatedAt/ExpiresAt and reconnecting with the same deviceId
// replaces the request object in place without resetting that TTL.
type PendingRequest struct {
	RequestID   string
	DeviceID    string
	ClaimedName string
	DeviceInfo  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Result is the outcome handed back to the requesting device.
type Result struct {
	Success bool
	Reason  string // "pair_rejected" | "pair_denied" | "pair_timeout" when !Success
	UserID  string
	Token   string
	IsAdmin bool
}

// Manager owns pairing state: pending requests, the allow/deny lists, and
// token issuance.
type Manager struct {
	st          *store.Store
	key         []byte
	tokenTTL    time.Duration
	requestTTL  time.Duration
	reissueGrace time.Duration

	allow *allowlist
	deny  *denylist

	mu      sync.Mutex
	pending map[string]*PendingRequest
	byDevice map[string]string // deviceID -> requestID, so a reconnect replaces in place
}

// Config configures a new Manager.
type Config struct {
	Store              *store.Store
	KeyPath            string
	TokenTTL           time.Duration
	RequestTTL         time.Duration
	ReissueGrace       time.Duration
	AllowlistPath      string
	DenylistPath       string
	WatchDenylist      bool
}

// New constructs a pairing Manager.
func New(cfg Config) (*Manager, error) {
	key, err := loadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	allow, err := newAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, err
	}
	deny, err := newDenylist(cfg.DenylistPath, cfg.WatchDenylist)
	if err != nil {
		return nil, err
	}
	requestTTL := cfg.RequestTTL
	if requestTTL <= 0 {
		requestTTL = 5 * time.Minute
	}
	reissueGrace := cfg.ReissueGrace
	if reissueGrace <= 0 {
		reissueGrace = 10 * time.Minute
	}
	return &Manager{
		st:           cfg.Store,
		key:          key,
		tokenTTL:     cfg.TokenTTL,
		requestTTL:   requestTTL,
		reissueGrace: reissueGrace,
		allow:        allow,
		deny:         deny,
		pending:      make(map[string]*PendingRequest),
		byDevice:     make(map[string]string),
	}, nil
}

// Close releases the denylist's filesystem watcher, if any.
func (m *Manager) Close() error {
	return m.deny.Close()
}

// HasAnyAdmin reports whether a bootstrap admin device has already been
// allowlisted, for the offline "status" subcommand.
func (m *Manager) HasAnyAdmin() bool {
	return m.allow.HasAnyAdmin()
}

// OnDeviceRevoked registers a callback invoked with device ids that were
// just added to the live denylist, so the front door can force-close any
// session those devices currently hold open.
func (m *Manager) OnDeviceRevoked(fn func(deviceIDs []string)) {
	m.deny.OnNewlyRevoked(fn)
}

// RequestPair handles a pair_request. Three outcomes are possible:
//   - bootstrap: no admin device exists yet, this device becomes one and a
//     token is issued immediately;
//   - reissue: the device is already allowlisted and the reissue truth
//     table permits handing it a fresh token without admin involvement;
//   - pending: a PendingRequest is created (or an existing one for this
//     device is replaced in place) and must be decided by an admin.
//
// A denylisted device is answered with an unsuccessful Result whose Reason
// is pair_rejected, not with an error. An allowlisted device outside the
// reissue rules is reported as an invalid_message error.
func (m *Manager) RequestPair(ctx context.Context, deviceID, claimedName, deviceInfo string) (*Result, *PendingRequest, error) {
	claimedName = sanitizeField(claimedName)
	deviceInfo = sanitizeField(deviceInfo)

	if m.deny.IsDenied(deviceID) {
		return &Result{Success: false, Reason: string(clawerr.CodePairRejected)}, nil, nil
	}

	if entry, ok := m.allow.Get(deviceID); ok {
		return m.reissue(entry)
	}

	if !m.allow.HasAnyAdmin() {
		userID := newUserID()
		if err := m.st.EnsureUserSequence(ctx, userID); err != nil {
			return nil, nil, fmt.Errorf("bootstrap admin sequence: %w", err)
		}
		now := time.Now().UTC()
		entry := allowlistEntry{
			DeviceID: deviceID, UserID: userID, IsAdmin: true, TokenDelivered: false,
			ClaimedName: claimedName, DeviceInfo: deviceInfo, CreatedAt: now, LastSeenAt: &now,
		}
		token, _, err := issueToken(m.key, userID, deviceID, true, m.tokenTTL)
		if err != nil {
			return nil, nil, err
		}
		entry.TokenDelivered = true
		if err := m.allow.Put(entry); err != nil {
			return nil, nil, fmt.Errorf("allowlist bootstrap admin: %w", err)
		}
		return &Result{Success: true, UserID: userID, Token: token, IsAdmin: true}, nil, nil
	}

	m.mu.Lock()
	var req *PendingRequest
	if existingID, ok := m.byDevice[deviceID]; ok {
		if existing, ok := m.pending[existingID]; ok {
			existing.ClaimedName = claimedName
			existing.DeviceInfo = deviceInfo
			req = existing
		}
	}
	if req == nil {
		req = &PendingRequest{
			RequestID:   uuid.NewString(),
			DeviceID:    deviceID,
			ClaimedName: claimedName,
			DeviceInfo:  deviceInfo,
			CreatedAt:   time.Now(),
			ExpiresAt:   time.Now().Add(m.requestTTL),
		}
		m.pending[req.RequestID] = req
		m.byDevice[deviceID] = req.RequestID
	}
	m.mu.Unlock()

	return nil, req, nil
}

// reissue applies the §4.4 reissue truth table to an already-allowlisted
// device's pair_request.
func (m *Manager) reissue(entry allowlistEntry) (*Result, *PendingRequest, error) {
	now := time.Now().UTC()

	eligible := false
	switch {
	case !entry.TokenDelivered:
		eligible = true
	case entry.LastSeenAt == nil && now.Sub(entry.CreatedAt) <= m.reissueGrace:
		// Crash-only case: the token was minted but the process may have
		// died before the device ever used it. createdAt is preserved.
		eligible = true
	}
	if !eligible {
		return nil, nil, clawerr.New(clawerr.CodeInvalidMessage, "device is already paired and not eligible for token reissue")
	}

	token, _, err := issueToken(m.key, entry.UserID, entry.DeviceID, entry.IsAdmin, m.tokenTTL)
	if err != nil {
		return nil, nil, err
	}
	entry.TokenDelivered = true
	entry.LastSeenAt = &now
	if err := m.allow.Put(entry); err != nil {
		return nil, nil, fmt.Errorf("persist reissued allowlist entry: %w", err)
	}
	return &Result{Success: true, UserID: entry.UserID, Token: token, IsAdmin: entry.IsAdmin}, nil, nil
}

// Decide resolves a pending request. Only an admin device should be allowed
// to call this — the caller (the WebSocket front door) is responsible for
// checking the deciding session's IsAdmin flag before invoking it. adminUserID
// is required on approval and must already be a valid "user_<uuidv4>"; on
// denial it must be empty, and a non-empty value is rejected as
// invalid_message.
func (m *Manager) Decide(ctx context.Context, requestID string, approve bool, adminUserID string) (*Result, error) {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
		if m.byDevice[req.DeviceID] == requestID {
			delete(m.byDevice, req.DeviceID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil, clawerr.New(clawerr.CodeInvalidMessage, "pairing request not found or already decided")
	}
	if time.Now().After(req.ExpiresAt) {
		return &Result{Success: false, Reason: string(clawerr.CodePairTimeout)}, nil
	}
	if !approve {
		if adminUserID != "" {
			return nil, clawerr.New(clawerr.CodeInvalidMessage, "userId must not be set when denying a pairing request")
		}
		return &Result{Success: false, Reason: string(clawerr.CodePairDenied)}, nil
	}

	if !isValidUserID(adminUserID) {
		return nil, clawerr.New(clawerr.CodeInvalidMessage, "userId must be a valid user_<uuidv4> on approval")
	}
	if err := m.st.EnsureUserSequence(ctx, adminUserID); err != nil {
		return nil, fmt.Errorf("ensure paired user sequence: %w", err)
	}

	now := time.Now().UTC()
	entry := allowlistEntry{
		DeviceID: req.DeviceID, UserID: adminUserID, IsAdmin: false, TokenDelivered: false,
		ClaimedName: req.ClaimedName, DeviceInfo: req.DeviceInfo, CreatedAt: now, LastSeenAt: &now,
	}
	token, _, err := issueToken(m.key, adminUserID, req.DeviceID, false, m.tokenTTL)
	if err != nil {
		return nil, err
	}
	entry.TokenDelivered = true
	if err := m.allow.Put(entry); err != nil {
		return nil, fmt.Errorf("allowlist paired device: %w", err)
	}

	return &Result{Success: true, UserID: adminUserID, Token: token, IsAdmin: false}, nil
}

// ExpirePending removes and returns every pending request whose TTL has
// elapsed, for the caller to notify the requester with a pair_timeout
// result.
func (m *Manager) ExpirePending(now time.Time) []*PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*PendingRequest
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, req)
			delete(m.pending, id)
			if m.byDevice[req.DeviceID] == id {
				delete(m.byDevice, req.DeviceID)
			}
		}
	}
	return expired
}

// Pending returns a snapshot of currently open pairing requests, used to
// greet a newly connected admin device with the outstanding queue.
func (m *Manager) Pending() []*PendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PendingRequest, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, req)
	}
	return out
}

// Authenticate validates a bearer token from an `auth` message. claimedDeviceID
// is the deviceId field carried on the same envelope, compared against the
// token's own deviceId claim in constant time right after the token's
// signature and expiry are verified, before the denylist and allowlist
// checks.
func (m *Manager) Authenticate(ctx context.Context, token, claimedDeviceID string) (*Claims, error) {
	claims, err := verifyToken(m.key, token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, clawerr.Wrap(clawerr.CodeAuthFailed, "token has expired", err)
		}
		return nil, clawerr.Wrap(clawerr.CodeAuthFailed, "token is invalid", err)
	}

	if claimedDeviceID != "" && !constantTimeEqual(claims.DeviceID, claimedDeviceID) {
		return nil, clawerr.New(clawerr.CodeAuthFailed, "deviceId does not match the token")
	}

	if m.deny.IsDenied(claims.DeviceID) {
		return nil, clawerr.New(clawerr.CodeTokenRevoked, "device has been revoked")
	}

	entry, ok := m.allow.Get(claims.DeviceID)
	if !ok {
		if m.isPending(claims.DeviceID) {
			return nil, clawerr.New(clawerr.CodeDeviceNotApproved, "device is still awaiting admin approval")
		}
		return nil, clawerr.New(clawerr.CodeAuthFailed, "device is not known to this provider")
	}
	if entry.UserID != claims.Subject {
		return nil, clawerr.New(clawerr.CodeAuthFailed, "token subject does not match the allowlisted user")
	}

	now := time.Now().UTC()
	entry.LastSeenAt = &now
	if err := m.allow.Put(entry); err != nil {
		return nil, fmt.Errorf("record device last seen: %w", err)
	}

	return claims, nil
}

// AuthenticateBearer validates a bearer token presented to the HTTP media
// plane, which has no claimed deviceId on the request to compare against —
// it otherwise runs the same denylist/allowlist checks as Authenticate.
func (m *Manager) AuthenticateBearer(ctx context.Context, token string) (*Claims, error) {
	return m.Authenticate(ctx, token, "")
}

func (m *Manager) isPending(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDevice[deviceID]
	return ok
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Revoke appends deviceID to the denylist, immediately invalidating any
// token issued to it on the next Authenticate call (and, via the live
// watcher, any session already open for it).
func (m *Manager) Revoke(deviceID string) error {
	return m.deny.Add(deviceID)
}
