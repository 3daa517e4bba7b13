package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/filmaeu/penareia/internal/servicelog"
)

func testLogger() servicelog.Logger {
	return servicelog.Logger{Logger: zap.NewNop()}
}

// fakeB2 implements the minimal native API surface used by Upload.
type fakeB2 struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	failAuth bool

	uploadedName string
	uploadedBody []byte
	uploadedSha  string
}

func newFakeB2(t *testing.T) *fakeB2 {
	f := &fakeB2{t: t, mux: http.NewServeMux()}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)

	f.mux.HandleFunc("/b2api/v2/b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		if f.failAuth {
			http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"accountId":          "acct",
			"authorizationToken": "token-1",
			"apiUrl":             f.server.URL,
			"downloadUrl":        f.server.URL,
		})
	})
	f.mux.HandleFunc("/b2api/v2/b2_list_buckets", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token-1" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"buckets": []map[string]string{
				{"bucketId": "bid-1", "bucketName": "penareia"},
			},
		})
	})
	f.mux.HandleFunc("/b2api/v2/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"uploadUrl":          f.server.URL + "/upload",
			"authorizationToken": "upload-token",
		})
	})
	f.mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "upload-token" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.uploadedName = r.Header.Get("X-Bz-File-Name")
		f.uploadedBody = body
		f.uploadedSha = r.Header.Get("X-Bz-Content-Sha1")
		json.NewEncoder(w).Encode(map[string]string{"fileId": "fid-1"})
	})
	return f
}

func (f *fakeB2) client() *Client {
	return New(testLogger(), f.server.Client(), Config{
		KeyID:          "key",
		ApplicationKey: "secret",
		Bucket:         "penareia",
		APIBase:        f.server.URL,
	})
}

func TestUploadRoundTrip(t *testing.T) {
	fake := newFakeB2(t)
	client := fake.client()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	content := []byte("not really a video")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	url, err := client.Upload(context.Background(), path, "Penareia_24-08-2026_15-04-05.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://f005.backblazeb2.com/file/penareia/Penareia_24-08-2026_15-04-05.mp4"
	if url != want {
		t.Errorf("expected %q, got %q", want, url)
	}
	if string(fake.uploadedBody) != string(content) {
		t.Error("uploaded body mismatch")
	}
	digest := sha1.Sum(content)
	if fake.uploadedSha != hex.EncodeToString(digest[:]) {
		t.Errorf("sha1 header mismatch: %q", fake.uploadedSha)
	}
	if fake.uploadedName != "Penareia_24-08-2026_15-04-05.mp4" {
		t.Errorf("unexpected file name header %q", fake.uploadedName)
	}
}

func TestUploadAuthFailure(t *testing.T) {
	fake := newFakeB2(t)
	fake.failAuth = true
	client := fake.client()

	path := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(path, []byte("x"), 0644)

	_, err := client.Upload(context.Background(), path, "clip.mp4")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestUploadUnknownBucket(t *testing.T) {
	fake := newFakeB2(t)
	client := New(testLogger(), fake.server.Client(), Config{
		KeyID:          "key",
		ApplicationKey: "secret",
		Bucket:         "missing",
		APIBase:        fake.server.URL,
	})

	path := filepath.Join(t.TempDir(), "clip.mp4")
	os.WriteFile(path, []byte("x"), 0644)

	_, err := client.Upload(context.Background(), path, "clip.mp4")
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatalf("expected ErrTransportFailed, got %v", err)
	}
}

func TestPublicURL(t *testing.T) {
	client := New(testLogger(), nil, Config{Bucket: "penareia"})
	got := client.PublicURL("a.mp4")
	if got != "https://f005.backblazeb2.com/file/penareia/a.mp4" {
		t.Errorf("unexpected url %q", got)
	}
}
