// Package session implements Clawline's in-memory session registry: the
// authoritative mapping from connected device to its outbound delivery
// channel, and from user to the set of that user's connected devices, for
// best-effort fan-out. Adapted from the teacher's internal/core channel
// presence registry, generalized from single global users to per-user
// device sets and from voice/channel state to plain message fan-out.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clawline/internal/protocol"
)

// SendTimeout bounds how long a fan-out send waits on a slow device before
// giving up on it, matching the teacher's non-blocking best-effort delivery
// model (spec section on session fan-out: a slow device must never stall
// delivery to its siblings).
const SendTimeout = 200 * time.Millisecond

// Session is one connected device's outbound delivery channel. Conn is kept
// alongside Send so a takeover can notify and force-close the superseded
// connection directly — gorilla/websocket documents Close and WriteControl
// as safe to call concurrently with the connection's own write goroutine,
// which is what lets the registry touch Conn from outside that goroutine.
type Session struct {
	DeviceID string
	UserID   string
	IsAdmin  bool
	Send     chan *protocol.Envelope
	Conn     *websocket.Conn
}

// Registry is the process-wide table of connected sessions.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[string]*Session
	byUser   map[string]map[string]*Session // userID -> deviceID -> session
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		byDevice: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Add installs a new session for deviceID using the caller-supplied outbound
// channel and connection (so a connection can keep writing to the same
// channel across its pre-auth and post-auth lifetime). Any prior session for
// the same device is superseded: its caller is handed back as replaced, but
// the registry itself also notifies and force-closes it (session_replaced,
// close code 1000) so the old connection can never be confused for live.
func (r *Registry) Add(userID, deviceID string, isAdmin bool, send chan *protocol.Envelope, conn *websocket.Conn) (sess *Session, replaced *Session) {
	r.mu.Lock()
	if old, ok := r.byDevice[deviceID]; ok {
		replaced = old
		r.removeLocked(old)
	}

	sess = &Session{
		DeviceID: deviceID,
		UserID:   userID,
		IsAdmin:  isAdmin,
		Send:     send,
		Conn:     conn,
	}
	r.byDevice[deviceID] = sess
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Session)
	}
	r.byUser[userID][deviceID] = sess
	r.mu.Unlock()

	if replaced != nil {
		notifyTakeover(replaced)
	}

	slog.Info("session added", "device_id", deviceID, "user_id", userID, "took_over", replaced != nil)
	return sess, replaced
}

// notifyTakeover best-effort delivers an error{code:session_replaced}
// envelope to the superseded session, then closes its connection with close
// code 1000. Both steps are best effort: a session that is already wedged
// simply never sees the notice and the subsequent Close still reclaims its
// resources.
func notifyTakeover(old *Session) {
	select {
	case old.Send <- &protocol.Envelope{Type: protocol.TypeError, Code: string(stringCodeSessionReplaced), Message: "device authenticated from another connection"}:
	default:
	}
	if old.Conn != nil {
		deadline := time.Now().Add(SendTimeout)
		_ = old.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session_replaced"), deadline)
		_ = old.Conn.Close()
	}
	closeSend(old.Send)
}

// stringCodeSessionReplaced avoids an import cycle with clawerr (which this
// package's callers already depend on) while keeping the literal in one
// place.
const stringCodeSessionReplaced = "session_replaced"

// Remove unregisters and closes deviceID's session, but only if sess is
// still the currently registered session for that device. This compare-
// and-delete is what stops a superseded connection's own deferred cleanup
// from evicting the session that replaced it: by the time the old
// connection's read loop notices its conn was closed out from under it, a
// newer session may already be installed, and Remove must leave that one
// alone.
func (r *Registry) Remove(deviceID string, sess *Session) {
	r.mu.Lock()
	current, ok := r.byDevice[deviceID]
	if !ok || current != sess {
		r.mu.Unlock()
		return
	}
	r.removeLocked(current)
	r.mu.Unlock()

	closeSend(current.Send)
	slog.Info("session removed", "device_id", deviceID, "user_id", sess.UserID)
}

// removeLocked must be called with r.mu held. It only unlinks sess from the
// lookup tables; closing its Send channel is the caller's responsibility,
// since a takeover and a final disconnect each need to do that exactly once
// and at a different point relative to releasing the lock.
func (r *Registry) removeLocked(sess *Session) {
	delete(r.byDevice, sess.DeviceID)
	if devices, ok := r.byUser[sess.UserID]; ok {
		delete(devices, sess.DeviceID)
		if len(devices) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
}

// Get returns the session registered for deviceID, if any.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byDevice[deviceID]
	return sess, ok
}

// DevicesForUser returns a snapshot of sessions currently connected for
// userID.
func (r *Registry) DevicesForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := r.byUser[userID]
	out := make([]*Session, 0, len(devices))
	for _, s := range devices {
		out = append(out, s)
	}
	return out
}

// SendTo attempts a best-effort delivery to one device. It never blocks
// longer than SendTimeout and never panics on a session that raced closed.
func (r *Registry) SendTo(deviceID string, msg *protocol.Envelope) bool {
	sess, ok := r.Get(deviceID)
	if !ok {
		return false
	}
	return trySend(sess.Send, msg)
}

// BroadcastToUser delivers msg to every device currently connected for
// userID, optionally skipping exceptDeviceID (the device that originated
// the event, which already has an "ack" instead).
func (r *Registry) BroadcastToUser(userID string, msg *protocol.Envelope, exceptDeviceID string) {
	for _, sess := range r.DevicesForUser(userID) {
		if sess.DeviceID == exceptDeviceID {
			continue
		}
		if !trySend(sess.Send, msg) {
			slog.Warn("dropped fan-out to slow or closed session", "device_id", sess.DeviceID, "user_id", userID)
		}
	}
}

// BroadcastToAdmins delivers msg to every currently connected admin device,
// used for pair_approval_request fan-out.
func (r *Registry) BroadcastToAdmins(msg *protocol.Envelope) {
	r.mu.RLock()
	admins := make([]*Session, 0)
	for _, sess := range r.byDevice {
		if sess.IsAdmin {
			admins = append(admins, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range admins {
		if !trySend(sess.Send, msg) {
			slog.Warn("dropped pairing approval fan-out", "device_id", sess.DeviceID)
		}
	}
}

// CloseDevice force-closes deviceID's session if one is currently connected,
// the hook a live denylist revocation uses to end an already-authenticated
// session within its watch interval instead of waiting for a reconnect.
func (r *Registry) CloseDevice(deviceID string, reasonCode string) {
	sess, ok := r.Get(deviceID)
	if !ok {
		return
	}
	select {
	case sess.Send <- &protocol.Envelope{Type: protocol.TypeError, Code: reasonCode, Message: "session revoked"}:
	default:
	}
	if sess.Conn != nil {
		deadline := time.Now().Add(SendTimeout)
		_ = sess.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reasonCode), deadline)
		_ = sess.Conn.Close()
	}
}

// ConnectedUserCount reports how many distinct users currently have at
// least one connected device, for metrics reporting.
func (r *Registry) ConnectedUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func trySend(ch chan *protocol.Envelope, msg *protocol.Envelope) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}

func closeSend(ch chan *protocol.Envelope) {
	defer func() { _ = recover() }()
	close(ch)
}
