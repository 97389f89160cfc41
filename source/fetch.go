// Package source locates and downloads descriptor lists. A listing page
// is discovered from a root page, the raw list URL is extracted from the
// listing, and the list itself is fetched over HTTP or read from disk.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/descriptor"
)

// ErrNotFound is returned when a page does not contain the link being
// looked for.
var ErrNotFound = errors.New("source: no matching link")

const maxBody = 8 << 20

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Fetcher performs HTTP GETs with retries.
type Fetcher struct {
	client *http.Client
	retry  config.Retry
}

// NewFetcher returns a Fetcher using an instrumented client. A nil
// client gets a default transport.
func NewFetcher(client *http.Client, timeout time.Duration, retry config.Retry) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	if retry.MaxTries == 0 {
		retry.MaxTries = 1
	}
	return &Fetcher{client: client, retry: retry}
}

// Get returns the body of url. Server errors and transport failures are
// retried with exponential backoff; client errors are not.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	log := logger.FromContext(ctx)

	expback := backoff.NewExponentialBackOff()
	expback.RandomizationFactor = 0.3
	if f.retry.InitialInterval > 0 {
		expback.InitialInterval = f.retry.InitialInterval
	}
	if f.retry.MaxInterval > 0 {
		expback.MaxInterval = f.retry.MaxInterval
	}

	return backoff.Retry(ctx, func() ([]byte, error) {
		return f.get(ctx, url)
	},
		backoff.WithBackOff(expback),
		backoff.WithMaxTries(f.retry.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.WarnContext(ctx, "fetch failed, retrying", "url", url, "err", err, "wait", d.Round(time.Millisecond))
		}),
	)
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "nodeking/"+version.Version())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		serr := &StatusError{URL: url, Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(serr)
		}
		return nil, serr
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// FetchDescriptors returns the descriptor lines found at location, which
// is an http(s) URL, a file:// URL or a plain path. Blank lines and
// comments are dropped. Bodies that are a single base64 blob, as served
// by subscription endpoints, are decoded first.
func (f *Fetcher) FetchDescriptors(ctx context.Context, location string) ([]string, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		body, err = f.Get(ctx, location)
	default:
		body, err = os.ReadFile(strings.TrimPrefix(location, "file://"))
	}
	if err != nil {
		return nil, err
	}

	lines := SplitDescriptors(body)
	logger.FromContext(ctx).InfoContext(ctx, "descriptors fetched",
		"source", location,
		"bytes", len(body),
		"lines", len(lines),
	)
	return lines, nil
}

// SplitDescriptors turns a list document into descriptor lines.
func SplitDescriptors(body []byte) []string {
	text := strings.TrimSpace(string(body))
	if text != "" && !strings.Contains(text, "://") {
		if decoded, err := descriptor.DecodeBase64(strings.Join(strings.Fields(text), "")); err == nil && strings.Contains(string(decoded), "://") {
			text = string(decoded)
		}
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
