// Package media implements Clawline's HTTP media plane: streamed upload to
// a temp file followed by an atomic rename into place, ownership-checked
// download, and a periodic TTL sweep for orphaned or expired assets. It
// generalizes the teacher's internal/blob store with per-user ownership and
// expiry, which that store never needed.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"clawline/internal/clawerr"
	"clawline/internal/store"
)

// Store coordinates asset bytes on disk with metadata in sqlite. Uploads
// land in a tmp/ subdirectory first and are renamed into place only once
// fully received, so a crash mid-upload never leaves a partial file at its
// final asset id.
type Store struct {
	rootDir  string
	meta     *store.Store
	maxBytes int64
}

// PutInput contains the data required to write one asset.
type PutInput struct {
	UserID          string
	UploaderDevice  string
	MimeType        string
	Reader          io.Reader
}

// OpenResult is an asset metadata + opened file stream tuple.
type OpenResult struct {
	Metadata store.Asset
	File     *os.File
}

// NewStore creates an asset store rooted at rootDir. maxBytes bounds a
// single upload; zero means unbounded.
func NewStore(rootDir string, meta *store.Store, maxBytes int64) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("asset root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("sqlite metadata store is required")
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	info, err := os.Stat(rootDir)
	if err != nil || !info.IsDir() {
		return nil, clawerr.New(clawerr.CodeMediaUnavailable, "asset root directory is not usable")
	}
	probe := filepath.Join(rootDir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return nil, clawerr.Wrap(clawerr.CodeMediaUnavailable, "asset root directory is not writable", err)
	}
	_ = os.Remove(probe)
	slog.Debug("media store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta, maxBytes: maxBytes}, nil
}

// tmpDir is where in-progress uploads are streamed before being renamed to
// their final asset id.
func (s *Store) tmpDir() string { return filepath.Join(s.rootDir, "tmp") }

// Put streams an upload to a temp file, enforcing maxBytes, then assigns it
// an "a_<uuidv4>" id and renames it into place atomically.
func (s *Store) Put(ctx context.Context, input PutInput) (store.Asset, error) {
	if input.Reader == nil {
		return store.Asset{}, clawerr.New(clawerr.CodeInvalidMessage, "asset reader is required")
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return store.Asset{}, clawerr.New(clawerr.CodeInvalidMessage, "owning user id is required")
	}
	mimeType := strings.TrimSpace(input.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id := "a_" + uuid.NewString()

	tempFile, err := os.CreateTemp(s.tmpDir(), ".upload-*")
	if err != nil {
		return store.Asset{}, fmt.Errorf("create temp asset file: %w", err)
	}
	tempPath := tempFile.Name()

	reader := io.Reader(input.Reader)
	if s.maxBytes > 0 {
		reader = io.LimitReader(input.Reader, s.maxBytes+1)
	}

	size, copyErr := io.Copy(tempFile, reader)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return store.Asset{}, clawerr.Wrap(clawerr.CodeUploadFailedRetryable, "write asset bytes failed", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return store.Asset{}, clawerr.Wrap(clawerr.CodeUploadFailedRetryable, "close asset file failed", closeErr)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		_ = os.Remove(tempPath)
		return store.Asset{}, clawerr.New(clawerr.CodePayloadTooLarge, fmt.Sprintf("asset exceeds %d byte limit", s.maxBytes))
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.Asset{}, clawerr.Wrap(clawerr.CodeUploadFailedRetryable, "move asset into place failed", err)
	}

	meta := store.Asset{
		ID:               id,
		UserID:           userID,
		UploaderDeviceID: input.UploaderDevice,
		MimeType:         mimeType,
		SizeBytes:        size,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.meta.CreateAsset(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.Asset{}, fmt.Errorf("persist asset metadata: %w", err)
	}

	slog.Info("asset stored", "asset_id", id, "user_id", userID, "size", size)
	return meta, nil
}

// Open resolves asset metadata in sqlite and opens its on-disk file. An
// asset that does not exist or is not owned by requesterUserID is reported
// identically — CodeAssetNotFound — so a download attempt against another
// user's asset cannot be distinguished from one that never existed.
func (s *Store) Open(ctx context.Context, id, requesterUserID string) (OpenResult, error) {
	meta, err := s.meta.AssetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OpenResult{}, clawerr.New(clawerr.CodeAssetNotFound, "asset not found")
		}
		return OpenResult{}, err
	}
	if meta.UserID != requesterUserID {
		slog.Warn("asset access denied", "asset_id", id, "owner", meta.UserID, "requester", requesterUserID)
		return OpenResult{}, clawerr.New(clawerr.CodeAssetNotFound, "asset not found")
	}

	path := filepath.Join(s.rootDir, id)
	f, err := os.Open(path)
	if err != nil {
		// The metadata row outlived its file; drop the orphan row rather
		// than surfacing a confusing 500 on every future download attempt.
		_ = s.meta.DeleteAsset(ctx, id)
		slog.Error("asset file missing, orphan row removed", "asset_id", id, "path", path, "err", err)
		return OpenResult{}, clawerr.Wrap(clawerr.CodeAssetNotFound, "asset file missing", err)
	}

	slog.Debug("asset opened", "asset_id", id, "size", meta.SizeBytes)
	return OpenResult{Metadata: meta, File: f}, nil
}

// Sweep removes assets older than ttl that no message still references
// (both the row and the on-disk file). A still-referenced asset, no matter
// its age, is left untouched — the assets-survive-while-referenced
// invariant. Work is batched so a very large backlog doesn't hold the
// connection pool for an unbounded stretch; Sweep itself repeats the batch
// loop until a pass returns fewer than batchSize rows.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration, batchSize int) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 10000
	}
	cutoff := time.Now().Add(-ttl)
	total := 0
	for {
		expired, err := s.meta.ExpiredUnreferencedAssets(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired unreferenced assets: %w", err)
		}
		if len(expired) == 0 {
			break
		}
		for _, a := range expired {
			path := filepath.Join(s.rootDir, a.ID)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Error("sweep: remove asset file failed", "asset_id", a.ID, "err", err)
				continue
			}
			if err := s.meta.DeleteAsset(ctx, a.ID); err != nil {
				slog.Error("sweep: delete asset row failed", "asset_id", a.ID, "err", err)
				continue
			}
			total++
		}
		if len(expired) < batchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("media sweep removed expired unreferenced assets", "count", total)
	}
	return total, nil
}

// SweepTmp removes stray files left in the tmp/ upload staging directory
// older than ttl — the residue of a process that crashed mid-upload before
// the final rename.
func (s *Store) SweepTmp(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.tmpDir())
	if err != nil {
		return 0, fmt.Errorf("read tmp upload directory: %w", err)
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir(), e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
