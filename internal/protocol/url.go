package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL turns the configured server URL into the WebSocket endpoint for
// path, carrying the auth token and device name as query parameters.
func BuildURL(serverURL, path, token, deviceName string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", serverURL)
	}

	base := strings.TrimSuffix(u.Path, "/")
	u.Path = base + "/" + strings.TrimPrefix(path, "/")

	q := u.Query()
	q.Set("token", token)
	q.Set("device_name", deviceName)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func withQuery(endpoint string, extra url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vals := range extra {
		q[k] = vals
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact strips the token from an endpoint for logging.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
