package media

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clawline/internal/clawerr"
	"clawline/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	meta, err := store.Open(filepath.Join(t.TempDir(), "clawline.db"))
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	if err := meta.EnsureUserSequence(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure user sequence: %v", err)
	}
	if err := meta.EnsureUserSequence(context.Background(), "u2"); err != nil {
		t.Fatalf("ensure user sequence: %v", err)
	}

	s, err := NewStore(t.TempDir(), meta, 0)
	if err != nil {
		t.Fatalf("new media store: %v", err)
	}
	return s, meta
}

func TestPutThenOpenByOwner(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, PutInput{
		UserID:      "u1",
		MimeType:    "image/png",
		Reader:      strings.NewReader("fake-png-bytes"),
	})
	if err != nil {
		t.Fatalf("put asset: %v", err)
	}
	if meta.SizeBytes != int64(len("fake-png-bytes")) {
		t.Fatalf("unexpected size: %d", meta.SizeBytes)
	}

	result, err := s.Open(ctx, meta.ID, "u1")
	if err != nil {
		t.Fatalf("open asset as owner: %v", err)
	}
	defer result.File.Close()
	if result.Metadata.MimeType != "image/png" {
		t.Fatalf("unexpected metadata: %#v", result.Metadata)
	}
}

func TestOpenByNonOwnerIsNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	meta, err := s.Put(ctx, PutInput{UserID: "u1", Reader: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("put asset: %v", err)
	}

	_, err = s.Open(ctx, meta.ID, "u2")
	var ce *clawerr.Error
	if !errors.As(err, &ce) || ce.Code != clawerr.CodeAssetNotFound {
		t.Fatalf("expected a non-owner's download to report asset_not_found, got %v", err)
	}
}

func TestOversizeUploadRejected(t *testing.T) {
	t.Parallel()
	meta, err := store.Open(filepath.Join(t.TempDir(), "clawline.db"))
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	if err := meta.EnsureUserSequence(context.Background(), "u1"); err != nil {
		t.Fatalf("ensure user sequence: %v", err)
	}

	s, err := NewStore(t.TempDir(), meta, 4)
	if err != nil {
		t.Fatalf("new media store: %v", err)
	}

	_, err = s.Put(context.Background(), PutInput{UserID: "u1", Reader: strings.NewReader("too-big")})
	var ce *clawerr.Error
	if !errors.As(err, &ce) || ce.Code != clawerr.CodePayloadTooLarge {
		t.Fatalf("expected payload_too_large error, got %v", err)
	}
}

func TestSweepRemovesExpiredUnreferencedAssets(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, PutInput{UserID: "u1", Reader: strings.NewReader("stale")})
	if err != nil {
		t.Fatalf("put asset: %v", err)
	}

	removed, err := s.Sweep(ctx, 0, 100)
	if err != nil {
		t.Fatalf("sweep with ttl=0: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected ttl=0 to disable sweeping, removed %d", removed)
	}

	removed, err = s.Sweep(ctx, time.Hour, 100)
	if err != nil {
		t.Fatalf("sweep with 1h ttl: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected a freshly created asset to survive a 1h ttl sweep, removed %d", removed)
	}
	if _, err := s.Open(ctx, a.ID, "u1"); err != nil {
		t.Fatalf("asset should still be openable: %v", err)
	}

	removed, err = s.Sweep(ctx, time.Nanosecond, 100)
	if err != nil {
		t.Fatalf("sweep with near-zero ttl: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the asset to be swept under a near-zero ttl, removed %d", removed)
	}

	var ce *clawerr.Error
	_, err = s.Open(ctx, a.ID, "u1")
	if !errors.As(err, &ce) || ce.Code != clawerr.CodeAssetNotFound {
		t.Fatalf("expected asset_not_found after sweep, got %v", err)
	}
}

func TestSweepLeavesReferencedAssetsAlone(t *testing.T) {
	t.Parallel()
	s, meta := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, PutInput{UserID: "u1", Reader: strings.NewReader("keep-me")})
	if err != nil {
		t.Fatalf("put asset: %v", err)
	}

	if _, err := meta.PersistUserMessage(ctx, store.PersistUserMessageParams{
		DeviceID: "d1", ClientID: "c1", UserID: "u1",
		Content: "see attached", EventID: "e1", PayloadJSON: "{}",
		AssetIDs: []string{a.ID},
	}); err != nil {
		t.Fatalf("persist message referencing asset: %v", err)
	}

	removed, err := s.Sweep(ctx, time.Nanosecond, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected a referenced asset to survive the sweep, removed %d", removed)
	}
	if _, err := s.Open(ctx, a.ID, "u1"); err != nil {
		t.Fatalf("referenced asset should still be openable: %v", err)
	}
}
