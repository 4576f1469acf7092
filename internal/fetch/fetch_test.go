package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/gpuprov/internal/logging"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rocm.gpg.key", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\n"))
	})
	mux.HandleFunc("/whl/torchvision.whl", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("w", 4096)))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGet(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard())

	data, err := c.Get(context.Background(), srv.URL+"/rocm.gpg.key")
	require.NoError(t, err)
	assert.Contains(t, string(data), "PGP PUBLIC KEY")
}

func TestGetNotFound(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard())

	_, err := c.Get(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestGetServerError(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard())

	_, err := c.Get(context.Background(), srv.URL+"/broken")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "500")
}

func TestDownload(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard()).WithHTTPClient(srv.Client())
	dest := filepath.Join(t.TempDir(), "cache", "torchvision.whl")

	n, err := c.Download(context.Background(), srv.URL+"/whl/torchvision.whl", dest)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, n)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, info.Size())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadNotFoundLeavesNoFile(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard())
	dest := filepath.Join(t.TempDir(), "torchvision.whl")

	_, err := c.Download(context.Background(), srv.URL+"/whl/missing.whl", dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "expected no artifact at %s", dest)
}

func TestDownloadCancelled(t *testing.T) {
	srv := newServer(t)
	c := New(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Download(ctx, srv.URL+"/whl/torchvision.whl", filepath.Join(t.TempDir(), "x.whl"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}
