package pairing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// denylistEntry is one revoked device, persisted with the moment of
// revocation so an operator dashboard can show "revoked 3 days ago".
type denylistEntry struct {
	DeviceID  string    `json:"deviceId"`
	RevokedAt time.Time `json:"revokedAt"`
}

// denylist is a JSON-persisted, atomically-written set of revoked devices,
// live-reloaded via fsnotify so an admin edit takes effect without a
// restart (spec's end-to-end revocation scenario). Reads are served from an
// in-memory cache; writes take an advisory file lock so a concurrent editor
// (an operator's text editor, a second instance) cannot interleave a
// partial write.
type denylist struct {
	path string

	mu      sync.RWMutex
	entries map[string]time.Time

	watcher *fsnotify.Watcher

	// onNewlyRevoked is invoked, outside the lock, with any device ids that
	// appeared in the denylist for the first time on the most recent
	// reload — the hook the front door uses to force-close an already
	// authenticated session within the watch interval instead of waiting
	// for its next reconnect attempt.
	onNewlyRevoked func(deviceIDs []string)
}

func newDenylist(path string, watch bool) (*denylist, error) {
	d := &denylist{path: path, entries: make(map[string]time.Time)}
	if err := d.reload(); err != nil {
		return nil, err
	}
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create denylist watcher: %w", err)
		}
		if err := w.Add(filepath.Dir(path)); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch denylist directory: %w", err)
		}
		d.watcher = w
		go d.watchLoop()
	}
	return d, nil
}

// OnNewlyRevoked registers the live-revocation callback. Must be called
// before any concurrent reload can race it; cmd/clawline wires this once at
// startup right after constructing the Manager.
func (d *denylist) OnNewlyRevoked(fn func(deviceIDs []string)) {
	d.mu.Lock()
	d.onNewlyRevoked = fn
	d.mu.Unlock()
}

func (d *denylist) watchLoop() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(d.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := d.reload(); err != nil {
				slog.Error("denylist reload failed", "err", err)
			} else {
				slog.Info("denylist reloaded from disk")
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("denylist watcher error", "err", err)
		}
	}
}

func (d *denylist) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *denylist) reload() error {
	data, err := os.ReadFile(d.path)
	var parsed []denylistEntry
	if os.IsNotExist(err) {
		parsed = nil
	} else if err != nil {
		return fmt.Errorf("read denylist: %w", err)
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parse denylist: %w", err)
		}
	}

	entries := make(map[string]time.Time, len(parsed))
	for _, e := range parsed {
		entries[e.DeviceID] = e.RevokedAt
	}

	d.mu.Lock()
	previous := d.entries
	d.entries = entries
	callback := d.onNewlyRevoked
	d.mu.Unlock()

	if callback == nil {
		return nil
	}
	var newly []string
	for id := range entries {
		if _, already := previous[id]; !already {
			newly = append(newly, id)
		}
	}
	if len(newly) > 0 {
		callback(newly)
	}
	return nil
}

func (d *denylist) IsDenied(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[deviceID]
	return ok
}

// Add appends deviceID to the denylist, persisting via lock + atomic
// write-then-rename.
func (d *denylist) Add(deviceID string) error {
	lock := flock.New(d.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock denylist: %w", err)
	}
	defer lock.Unlock()

	if err := d.reload(); err != nil {
		return err
	}

	d.mu.Lock()
	d.entries[deviceID] = time.Now().UTC()
	out := make([]denylistEntry, 0, len(d.entries))
	for id, revokedAt := range d.entries {
		out = append(out, denylistEntry{DeviceID: id, RevokedAt: revokedAt})
	}
	d.mu.Unlock()

	return writeJSONAtomic(d.path, out)
}

// allowlistEntry is one device this provider has issued, or can reissue, a
// pairing token to. It is the authoritative device/user identity record —
// Clawline has no separate devices table.
type allowlistEntry struct {
	DeviceID       string     `json:"deviceId"`
	UserID         string     `json:"userId"`
	IsAdmin        bool       `json:"isAdmin"`
	TokenDelivered bool       `json:"tokenDelivered"`
	ClaimedName    string     `json:"claimedName,omitempty"`
	DeviceInfo     string     `json:"deviceInfo,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastSeenAt     *time.Time `json:"lastSeenAt,omitempty"`
}

// allowlist is a JSON-persisted, per-device record of every device this
// provider has approved, keyed by deviceId. Persisted the same way as
// denylist but without a live watch — allowlist changes only take effect
// for new pair_request/auth handling, not already-open connections.
type allowlist struct {
	path    string
	mu      sync.RWMutex
	devices map[string]allowlistEntry
}

func newAllowlist(path string) (*allowlist, error) {
	a := &allowlist{path: path, devices: make(map[string]allowlistEntry)}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *allowlist) reload() error {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}
	var entries []allowlistEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("parse allowlist: %w", err)
		}
	}
	devices := make(map[string]allowlistEntry, len(entries))
	for _, e := range entries {
		devices[e.DeviceID] = e
	}
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
	return nil
}

// Get returns the allowlist entry for deviceID, if one exists.
func (a *allowlist) Get(deviceID string) (allowlistEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.devices[deviceID]
	return e, ok
}

// HasAnyAdmin reports whether at least one admin device is already
// allowlisted, used to decide whether a pair_request should bootstrap the
// first admin.
func (a *allowlist) HasAnyAdmin() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.devices {
		if e.IsAdmin {
			return true
		}
	}
	return false
}

// Put persists entry, overwriting any existing entry for the same device.
func (a *allowlist) Put(entry allowlistEntry) error {
	lock := flock.New(a.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock allowlist: %w", err)
	}
	defer lock.Unlock()

	if err := a.reload(); err != nil {
		return err
	}

	a.mu.Lock()
	a.devices[entry.DeviceID] = entry
	out := make([]allowlistEntry, 0, len(a.devices))
	for _, e := range a.devices {
		out = append(out, e)
	}
	a.mu.Unlock()

	return writeJSONAtomic(a.path, out)
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place %q: %w", path, err)
	}
	return nil
}
