package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextProxyRotates(t *testing.T) {
	m, err := NewManager([]string{"http://p1:8080", "http://p2:8080"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "p1:8080", m.NextProxy().Host)
	assert.Equal(t, "p2:8080", m.NextProxy().Host)
	assert.Equal(t, "p1:8080", m.NextProxy().Host)
}

func TestNoProxiesMeansDirect(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, m.NextProxy())
	assert.Contains(t, defaultUserAgents, m.UserAgent())
}

func TestInvalidProxy(t *testing.T) {
	_, err := NewManager([]string{"not a proxy"}, nil)
	assert.Error(t, err)
}

func TestClientSetsUserAgent(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	m, err := NewManager(nil, []string{"dlmanager-test/1.0"})
	require.NoError(t, err)

	resp, err := m.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "dlmanager-test/1.0", seen)
}
