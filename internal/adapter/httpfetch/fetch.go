package httpfetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/user/download-manager/internal/executor"
)

// Fetcher issues GET requests and classifies HTTP failures.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// Get returns the response for a 2xx status. Statuses that mean the content
// is gone or forbidden are permanent failures; every other failure is
// transient. The caller closes the body.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, executor.Permanent(errors.Wrapf(err, "build request for %s", rawURL))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", rawURL)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	err = errors.Newf("fetch %s: status %d", rawURL, resp.StatusCode)
	if permanentStatus(resp.StatusCode) {
		return nil, executor.Permanent(err)
	}
	return nil, err
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound,
		http.StatusGone, http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

func isHTTP(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, u.Scheme == "http" || u.Scheme == "https"
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
