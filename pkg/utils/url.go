package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"strings"
)

// Domain returns the lower-cased authority of rawURL (host and port, without
// user info). Unparseable URLs have an empty domain.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// StoragePath names the file a download of rawURL is written to:
// dir/<domain>/<first 16 hex digits of sha256(rawURL)><ext>.
func StoragePath(dir, rawURL, ext string) string {
	domain := strings.ReplaceAll(Domain(rawURL), ":", "_")
	if domain == "" {
		domain = "unknown"
	}
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(dir, domain, hex.EncodeToString(sum[:8])+ext)
}

// Resolve resolves ref against base and drops the fragment.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	abs := base.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs, nil
}
