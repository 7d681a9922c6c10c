package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
)

// ErrFetch is returned when a feed cannot be retrieved.
var ErrFetch = errors.New("feed fetch failed")

const (
	// DefaultUserAgent is sent with every remote request. Some feed hosts
	// refuse clients that do not look like a browser.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 6.3; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/45.0.2454.93 Safari/537.36"
	DefaultTimeout   = 300 * time.Second
)

// Fetcher retrieves feed content from local paths or remote URLs.
type Fetcher struct {
	client    *http.Client
	userAgent string
	tempDir   string
	logger    *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent overrides the user agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithTempDir sets where remote bodies are spooled.
func WithTempDir(dir string) FetcherOption {
	return func(f *Fetcher) { f.tempDir = dir }
}

// WithLogger sets the fetch logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher builds a fetcher. Certificate verification is disabled; many
// feed hosts serve self-signed or expired certificates.
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
	}
	f := &Fetcher{
		client:    &http.Client{Transport: transport, Timeout: timeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrDefault(f.logger)
	return f
}

// Open retrieves def's content, unwraps zip or gzip containers and decodes
// it as ISO-8859-1. The caller must close the returned reader.
func (f *Fetcher) Open(ctx context.Context, def *Definition) (io.ReadCloser, error) {
	src, err := f.fetch(ctx, def)
	if err != nil {
		return nil, err
	}
	unwrapped, err := Unwrap(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	return Decode(unwrapped), nil
}

func (f *Fetcher) fetch(ctx context.Context, def *Definition) (Source, error) {
	if strings.HasPrefix(def.Remote, "/") {
		f.logger.DebugContext(ctx, "opening local feed", logging.Remote(def.Remote))
		file, err := os.Open(def.Remote)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetch, err)
		}
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, def.Method, def.Remote, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if def.Username != "" {
		req.SetBasicAuth(def.Username, def.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 300 {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, def.Remote, resp.Status)
	}

	tmp, err := os.CreateTemp(f.tempDir, "intel-feed-*")
	if err != nil {
		return nil, fmt.Errorf("spool feed: %w", err)
	}
	spool := &tempFile{File: tmp}

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		spool.Close()
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		return nil, err
	}
	f.logger.DebugContext(ctx, "downloaded feed",
		logging.Remote(def.Remote),
		logging.Status(resp.StatusCode),
		slog.Int64("bytes", n),
	)
	return spool, nil
}

// tempFile removes the spool file on close.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	os.Remove(t.File.Name())
	return err
}
