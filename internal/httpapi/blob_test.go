package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"clawline/internal/dispatcher"
	"clawline/internal/eventlog"
	"clawline/internal/media"
	"clawline/internal/pairing"
	"clawline/internal/session"
	"clawline/internal/store"
	"clawline/internal/ws"
)

func newTestServerWithMedia(t *testing.T) (*httptest.Server, *pairing.Manager) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "clawline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pm, err := pairing.New(pairing.Config{
		Store:         st,
		KeyPath:       filepath.Join(dir, "jwt.key"),
		RequestTTL:    time.Minute,
		AllowlistPath: filepath.Join(dir, "allowlist.json"),
		DenylistPath:  filepath.Join(dir, "denylist.json"),
	})
	if err != nil {
		t.Fatalf("new pairing manager: %v", err)
	}
	t.Cleanup(func() { _ = pm.Close() })

	assets, err := media.NewStore(filepath.Join(dir, "assets"), st, 0)
	if err != nil {
		t.Fatalf("new media store: %v", err)
	}

	writer := dispatcher.NewWriter(context.Background(), 8)
	t.Cleanup(func() { _ = writer.Close() })
	events := eventlog.New(st, writer, 200, 200)
	reg := session.New()
	disp := dispatcher.NewUserDispatcher(20)
	wsHandler := ws.NewHandler(testWSConfig(reg, pm, events, disp))

	api := New(reg, pm, wsHandler, assets, "test")
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)
	return ts, pm
}

func newAssignedUserID() string {
	return "user_" + uuid.NewString()
}

func TestAssetUploadAndDownloadRoundTrips(t *testing.T) {
	ts, pm := newTestServerWithMedia(t)
	ctx := context.Background()

	result, _, err := pm.RequestPair(ctx, "dev-1", "phone", "")
	if err != nil {
		t.Fatalf("bootstrap pairing: %v", err)
	}

	wantBytes := []byte("asset-bytes-for-test")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	filePart, err := writer.CreateFormFile("file", "photo.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := filePart.Write(wantBytes); err != nil {
		t.Fatalf("write multipart bytes: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload", &body)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+result.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d from upload, got %d: %s", http.StatusCreated, resp.StatusCode, string(raw))
	}

	var uploaded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if uploaded.AssetID == "" || uploaded.Size != int64(len(wantBytes)) {
		t.Fatalf("unexpected upload response: %#v", uploaded)
	}

	downloadReq, err := http.NewRequest(http.MethodGet, ts.URL+"/download/"+uploaded.AssetID, nil)
	if err != nil {
		t.Fatalf("new download request: %v", err)
	}
	downloadReq.Header.Set("Authorization", "Bearer "+result.Token)
	downloadResp, err := http.DefaultClient.Do(downloadReq)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer downloadResp.Body.Close()
	if downloadResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(downloadResp.Body)
		t.Fatalf("expected %d from download, got %d: %s", http.StatusOK, downloadResp.StatusCode, string(raw))
	}
	gotBytes, err := io.ReadAll(downloadResp.Body)
	if err != nil {
		t.Fatalf("read downloaded body: %v", err)
	}
	if !bytes.Equal(gotBytes, wantBytes) {
		t.Fatalf("downloaded bytes mismatch: got=%q want=%q", string(gotBytes), string(wantBytes))
	}
}

func TestDownloadWithoutBearerTokenIsUnauthorized(t *testing.T) {
	ts, _ := newTestServerWithMedia(t)

	resp, err := http.Get(ts.URL + "/download/does-not-matter")
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDownloadOfAnotherUsersAssetIsNotFound(t *testing.T) {
	ts, pm := newTestServerWithMedia(t)
	ctx := context.Background()

	owner, _, err := pm.RequestPair(ctx, "dev-owner", "owner-phone", "")
	if err != nil {
		t.Fatalf("bootstrap pairing: %v", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	filePart, _ := writer.CreateFormFile("file", "secret.txt")
	_, _ = filePart.Write([]byte("secret"))
	_ = writer.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+owner.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var uploaded uploadResponse
	_ = json.NewDecoder(resp.Body).Decode(&uploaded)

	_, pending, err := pm.RequestPair(ctx, "dev-other", "other-phone", "")
	if err != nil {
		t.Fatalf("request pair for second device: %v", err)
	}
	other, err := pm.Decide(ctx, pending.RequestID, true, newAssignedUserID())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}

	downloadReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/download/"+uploaded.AssetID, nil)
	downloadReq.Header.Set("Authorization", "Bearer "+other.Token)
	downloadResp, err := http.DefaultClient.Do(downloadReq)
	if err != nil {
		t.Fatalf("download request: %v", err)
	}
	defer downloadResp.Body.Close()
	if downloadResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-owner's download, got %d", downloadResp.StatusCode)
	}
}
