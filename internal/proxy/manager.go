package proxy

import (
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"

	"github.com/cockroachdb/errors"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// Manager handles the rotation of proxies and user agents for executors
// that talk HTTP.
type Manager struct {
	proxies    []*url.URL
	userAgents []string
	mu         sync.Mutex
	proxyIndex int
}

// NewManager parses proxies. An empty userAgents list uses built-in defaults.
func NewManager(proxies, userAgents []string) (*Manager, error) {
	m := &Manager{userAgents: userAgents}
	if len(m.userAgents) == 0 {
		m.userAgents = defaultUserAgents
	}
	for _, raw := range proxies {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, errors.Newf("invalid proxy %q", raw)
		}
		m.proxies = append(m.proxies, u)
	}
	return m, nil
}

// NextProxy returns the next proxy in round-robin order, or nil for a direct
// connection.
func (m *Manager) NextProxy() *url.URL {
	if len(m.proxies) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.proxies[m.proxyIndex]
	m.proxyIndex = (m.proxyIndex + 1) % len(m.proxies)
	return p
}

// UserAgent returns a random user agent string.
func (m *Manager) UserAgent() string {
	return m.userAgents[rand.IntN(len(m.userAgents))]
}

// Client returns an HTTP client that rotates proxies per connection and
// stamps a rotating User-Agent on requests that do not set one.
func (m *Manager) Client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = func(*http.Request) (*url.URL, error) {
		return m.NextProxy(), nil
	}
	return &http.Client{Transport: &userAgentTransport{next: transport, m: m}}
}

type userAgentTransport struct {
	next http.RoundTripper
	m    *Manager
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.m.UserAgent())
	return t.next.RoundTrip(req)
}
