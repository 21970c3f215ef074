package queue

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NormalizeTarget canonicalizes a URL target so equivalent spellings share one
// key: scheme and host are lowercased, default ports and fragments dropped,
// query parameters sorted. Only http and https URLs are accepted.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("target is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("target %q must be an http(s) URL", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("target %q has no host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}
