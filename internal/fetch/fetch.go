// Package fetch downloads signing keys and prebuilt artifacts over HTTP(S).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound reports an HTTP 404 for the requested URL.
var ErrNotFound = errors.New("artifact not found")

// maxKeySize bounds in-memory fetches; signing keys are a few KB.
const maxKeySize = 1 << 20

// Client fetches remote resources.
type Client struct {
	http *http.Client
	log  log.FieldLogger
}

// New creates a Client using http.DefaultClient.
func New(logger log.FieldLogger) *Client {
	return &Client{http: http.DefaultClient, log: logger}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Get fetches a small resource (such as a signing key) into memory.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", url)
	}
	if len(data) > maxKeySize {
		return nil, errors.Errorf("%s exceeds %s", url, humanize.Bytes(maxKeySize))
	}
	return data, nil
}

// Download streams url to dest. The body is written to a temporary file in
// the destination directory and renamed into place, so dest is either the
// complete artifact or absent. Returns the number of bytes written.
func (c *Client) Download(ctx context.Context, url, dest string) (int64, error) {
	resp, err := c.open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.Wrapf(err, "create directory for %s", dest)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, errors.Wrapf(err, "create temp file for %s", dest)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "download %s", url)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return 0, errors.Errorf("download %s: got %d of %d bytes", url, n, resp.ContentLength)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, errors.Wrapf(err, "move artifact into place at %s", dest)
	}

	if c.log != nil {
		c.log.Infof("Downloaded %s (%s)", filepath.Base(dest), humanize.Bytes(uint64(n)))
	}
	return n, nil
}

func (c *Client) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", url)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errors.Wrapf(ErrNotFound, "GET %s: HTTP 404", url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return resp, nil
}
