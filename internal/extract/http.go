package extract

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/tenderscope/tender-cli/internal/model"
	"github.com/tenderscope/tender-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
}

// HTTPFetcher downloads the tender's notice page over plain HTTP. It
// covers sources whose documents sit behind a direct URL; anything that
// needs browser-driven navigation gets its own Fetcher.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tender-cli/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts: opts,
	}
}

// Fetch downloads the candidate's URL into destDir and returns the
// local path. Transient HTTP failures are retried with backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, tender model.CandidateTender, destDir string) (*FetchResult, error) {
	retryCfg := f.opts.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger("extract", "fetch")
	}
	localPath, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (string, error) {
		return f.download(ctx, tender.URL, destDir)
	})
	if err != nil {
		return nil, err
	}

	return &FetchResult{Paths: []string{localPath}}, nil
}

func (f *HTTPFetcher) download(ctx context.Context, rawURL, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("fetch: unexpected status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	name := fileName(rawURL, resp.Header.Get("Content-Type"))
	destPath := filepath.Join(destDir, name)

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "fetch: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", eris.Wrap(err, "fetch: write file")
	}

	return destPath, nil
}

// fileName derives a local file name with a usable extension from the
// URL path, falling back to the response Content-Type.
func fileName(rawURL, contentType string) string {
	name := "notice"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	if filepath.Ext(name) != "" {
		return name
	}

	ext := ".html"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.HasSuffix(mt, "html"):
			ext = ".html"
		case mt == "text/plain":
			ext = ".txt"
		case mt == "application/zip":
			ext = ".zip"
		}
	}
	return name + ext
}
