package ws

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const userIDPlaceholder = "{userId}"

// BuildURL expands the hub URL for one user. A template without the
// {userId} placeholder gets a userId query parameter. http(s) schemes are
// mapped to ws(s). tokenQuery, when set, names a query parameter that
// carries the session token.
func BuildURL(tmpl, userID, token, tokenQuery string) (string, error) {
	tmpl = strings.TrimSpace(tmpl)
	if tmpl == "" {
		return "", errors.New("ws: empty hub url")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("ws: empty user id")
	}

	hasPlaceholder := strings.Contains(tmpl, userIDPlaceholder)
	raw := strings.ReplaceAll(tmpl, userIDPlaceholder, url.QueryEscape(userID))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("ws: hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("ws: hub url has no host")
	}

	q := u.Query()
	if !hasPlaceholder {
		q.Set("userId", userID)
	}
	if tokenQuery != "" && token != "" {
		q.Set(tokenQuery, token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
