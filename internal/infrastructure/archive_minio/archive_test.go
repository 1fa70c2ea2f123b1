package archive_minio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 accepts bucket and object requests in path style.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	switch {
	case len(parts) == 1 || parts[1] == "":
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		if r.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			b = decodeChunked(b)
		}
		f.objects[bucket+"/"+parts[1]] = b
		f.types[bucket+"/"+parts[1]] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

// decodeChunked strips aws-chunked framing: "<hex>[;ext]\r\n<data>\r\n" until a zero chunk.
func decodeChunked(b []byte) []byte {
	var out []byte
	for len(b) > 0 {
		i := bytes.Index(b, []byte("\r\n"))
		if i < 0 {
			break
		}
		head := string(b[:i])
		if j := strings.IndexByte(head, ';'); j >= 0 {
			head = head[:j]
		}
		n, err := strconv.ParseInt(head, 16, 64)
		if err != nil || n == 0 {
			break
		}
		b = b[i+2:]
		out = append(out, b[:n]...)
		b = b[n:]
		b = bytes.TrimPrefix(b, []byte("\r\n"))
	}
	return out
}

func newArchiver(t *testing.T) (*Archiver, *fakeS3) {
	t.Helper()
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
		Bucket:    "pipeline-runs",
	})
	require.NoError(t, err)
	return a, fake
}

func TestArchiver(t *testing.T) {
	t.Run("success - bucket is created once", func(t *testing.T) {
		a, fake := newArchiver(t)

		require.NoError(t, a.EnsureBucket(context.Background()))
		require.NoError(t, a.EnsureBucket(context.Background()))

		assert.True(t, fake.buckets["pipeline-runs"])
	})

	t.Run("success - run is stored as json", func(t *testing.T) {
		a, fake := newArchiver(t)
		run := domain.NewPipelineRun("run-1", domain.SourceRef{BuildNumber: "42"}, time.Now().UTC())
		art, err := domain.NewArtifactReference("42", "registry.example.com/shop/api", "42")
		require.NoError(t, err)
		run.Artifact = art

		require.NoError(t, a.Archive(context.Background(), run))

		body, ok := fake.objects["pipeline-runs/runs/run-1.json"]
		require.True(t, ok)
		assert.Equal(t, "application/json", fake.types["pipeline-runs/runs/run-1.json"])
		var got domain.PipelineRun
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "run-1", got.ID)
		assert.Equal(t, "registry.example.com/shop/api:42", got.Artifact.Image())
	})
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "runs"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
}
