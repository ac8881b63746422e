package campaign

import (
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidProfileURL = errors.New("invalid profile url")

const canonicalHost = "www.linkedin.com"

// CanonicalURL normalizes a profile URL into the form used to deduplicate
// leads within a campaign. It is idempotent.
func CanonicalURL(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrInvalidProfileURL
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", ErrInvalidProfileURL
	}

	host := u.Hostname()
	switch host {
	case "m.linkedin.com", "linkedin.com":
		host = canonicalHost
	}

	path := u.EscapedPath()
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	path = strings.TrimRight(path, "/")

	return "https://" + host + path, nil
}
