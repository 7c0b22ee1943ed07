package audio

import (
	"fmt"
	"net"
	"net/url"
)

// CheckSecureContext refuses microphone capture when the stream would carry
// credentials and audio in clear text to a remote host. Plain ws/http is
// allowed for loopback and private-network hosts only.
func CheckSecureContext(serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return acquisitionError(TagPrimary, ErrInsecureContext, fmt.Errorf("parse server url: %w", err))
	}

	switch u.Scheme {
	case "https", "wss":
		return nil
	case "http", "ws":
	default:
		return acquisitionError(TagPrimary, ErrInsecureContext, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return nil
	}
	return acquisitionError(TagPrimary, ErrInsecureContext, fmt.Errorf("%s is not encrypted and %s is not a local host", u.Scheme, host))
}
