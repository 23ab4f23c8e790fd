package receipt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gezibash/arc-backup/internal/storage"
)

// mockS3Server emulates the PutObject and HeadBucket calls of the S3 API.
func mockS3Server(objects map[string][]byte, mu *sync.Mutex) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.URL.Path, "/", 3)
		if len(parts) < 3 || parts[2] == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		objects[parts[2]] = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func TestS3SinkUpload(t *testing.T) {
	var mu sync.Mutex
	objects := make(map[string][]byte)
	srv := mockS3Server(objects, &mu)
	t.Cleanup(srv.Close)

	sink, err := NewS3Sink(context.Background(), storage.Options{
		KeyBucket:          "receipts",
		KeyEndpoint:        srv.URL,
		KeyPrefix:          "drives/",
		KeyForcePathStyle:  "true",
		KeyAccessKeyID:     "test",
		KeySecretAccessKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Sink: %v", err)
	}

	path := filepath.Join(t.TempDir(), "receipt-20250304.jsonl.zst")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	url, err := sink.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "s3://receipts/drives/receipt-20250304.jsonl.zst" {
		t.Errorf("url = %s", url)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := string(objects["drives/receipt-20250304.jsonl.zst"]); got != "payload" {
		t.Errorf("stored object = %q", got)
	}
}

func TestS3SinkConfigErrors(t *testing.T) {
	var cfgErr *storage.ConfigError
	if _, err := NewS3Sink(context.Background(), storage.Options{}); !errors.As(err, &cfgErr) || cfgErr.Key != KeyBucket {
		t.Fatalf("missing bucket = %v", err)
	}
	_, err := NewS3Sink(context.Background(), storage.Options{KeyBucket: "b", KeyForcePathStyle: "maybe"})
	if !errors.As(err, &cfgErr) || cfgErr.Key != KeyForcePathStyle {
		t.Fatalf("bad force_path_style = %v", err)
	}
}
