package pairing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"clawline/internal/clawerr"
	"clawline/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "clawline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m, err := New(Config{
		Store:         st,
		KeyPath:       filepath.Join(dir, "jwt.key"),
		RequestTTL:    time.Minute,
		AllowlistPath: filepath.Join(dir, "allowlist.json"),
		DenylistPath:  filepath.Join(dir, "denylist.json"),
		WatchDenylist: false,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestFirstPairRequestBootstrapsAdmin(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	result, pending, err := m.RequestPair(ctx, "dev-1", "phone", "")
	if err != nil {
		t.Fatalf("request pair: %v", err)
	}
	if pending != nil {
		t.Fatalf("expected no pending request for the bootstrap admin")
	}
	if !result.Success || !result.IsAdmin || result.Token == "" {
		t.Fatalf("unexpected bootstrap result: %#v", result)
	}

	claims, err := m.Authenticate(ctx, result.Token, "dev-1")
	if err != nil {
		t.Fatalf("authenticate bootstrap token: %v", err)
	}
	if !claims.IsAdmin || claims.DeviceID != "dev-1" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestSecondDeviceRequiresApproval(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.RequestPair(ctx, "dev-admin", "admin-phone", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	result, pending, err := m.RequestPair(ctx, "dev-2", "tablet", "")
	if err != nil {
		t.Fatalf("request pair: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no immediate result while pending approval")
	}
	if pending == nil || pending.DeviceID != "dev-2" {
		t.Fatalf("expected a pending request for dev-2, got %#v", pending)
	}

	decided, err := m.Decide(ctx, pending.RequestID, true, newUserID())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decided.Success || decided.IsAdmin {
		t.Fatalf("unexpected decision result: %#v", decided)
	}

	if _, err := m.Authenticate(ctx, decided.Token, "dev-2"); err != nil {
		t.Fatalf("authenticate approved device: %v", err)
	}
}

func TestDenialProducesDeniedResult(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.RequestPair(ctx, "dev-admin", "admin-phone", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, pending, err := m.RequestPair(ctx, "dev-2", "tablet", "")
	if err != nil {
		t.Fatalf("request pair: %v", err)
	}

	decided, err := m.Decide(ctx, pending.RequestID, false, "")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Success || decided.Reason != string(clawerr.CodePairDenied) {
		t.Fatalf("expected denied result, got %#v", decided)
	}
}

func TestDecideRejectsApprovalWithoutValidUserID(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.RequestPair(ctx, "dev-admin", "admin-phone", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, pending, err := m.RequestPair(ctx, "dev-2", "tablet", "")
	if err != nil {
		t.Fatalf("request pair: %v", err)
	}

	if _, err := m.Decide(ctx, pending.RequestID, true, "not-a-valid-id"); err == nil {
		t.Fatalf("expected an error approving with a malformed userId")
	} else if ce := clawerr.As(err); ce.Code != clawerr.CodeInvalidMessage {
		t.Fatalf("expected invalid_message, got %v", err)
	}
}

func TestDecidingUnknownRequestIsInvalidMessage(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Decide(ctx, "does-not-exist", true, newUserID())
	ce := clawerr.As(err)
	if ce.Code != clawerr.CodeInvalidMessage {
		t.Fatalf("expected invalid_message, got %v", err)
	}
}

func TestExpirePendingRemovesStaleRequests(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.RequestPair(ctx, "dev-admin", "admin-phone", ""); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	_, pending, err := m.RequestPair(ctx, "dev-2", "tablet", "")
	if err != nil {
		t.Fatalf("request pair: %v", err)
	}

	expired := m.ExpirePending(pending.ExpiresAt.Add(time.Second))
	if len(expired) != 1 || expired[0].RequestID != pending.RequestID {
		t.Fatalf("expected the stale request to expire, got %#v", expired)
	}
	if len(m.Pending()) != 0 {
		t.Fatalf("expected no pending requests left after expiry")
	}
}

func TestRevokeInvalidatesToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	ctx := context.Background()

	result, _, err := m.RequestPair(ctx, "dev-1", "phone", "")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if err := m.Revoke("dev-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err = m.Authenticate(ctx, result.Token, "dev-1")
	ce := clawerr.As(err)
	if ce.Code != clawerr.CodeTokenRevoked {
		t.Fatalf("expected token_revoked, got %v", err)
	}
}
