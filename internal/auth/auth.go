// Package auth resolves the bearer token the capture client presents to the
// backend. A configured token is used verbatim; otherwise the client logs in
// with email and password and caches the issued JWT until it expires.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/breeze-rmm/capture-agent/internal/httputil"
	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("auth")

// LoginPath is the backend's form-encoded password login endpoint.
const LoginPath = "/api/auth/jwt/login"

// ErrLoginRejected is returned when the backend refuses the credentials.
var ErrLoginRejected = errors.New("login rejected")

// Credentials are the configured ways to authenticate.
type Credentials struct {
	ServerURL string
	Token     string
	Email     string
	Password  string
}

// NewTokenSource returns a token source for creds. The static token wins
// over a password login. With neither, the source yields an empty token
// and the backend decides whether anonymous streaming is allowed.
func NewTokenSource(ctx context.Context, creds Credentials, client *http.Client) oauth2.TokenSource {
	switch {
	case creds.Token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"})
	case creds.Email != "":
		return oauth2.ReuseTokenSource(nil, &passwordSource{
			ctx:    ctx,
			creds:  creds,
			client: client,
		})
	default:
		return oauth2.StaticTokenSource(&oauth2.Token{})
	}
}

// Token fetches the current access token string from ts.
func Token(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

type passwordSource struct {
	ctx    context.Context
	creds  Credentials
	client *http.Client
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	endpoint, err := loginURL(s.creds.ServerURL)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", s.creds.Email)
	form.Set("password", s.creds.Password)

	resp, err := httputil.Do(s.ctx, s.client, httputil.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Body:   []byte(form.Encode()),
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
	}, httputil.DefaultBackoff())
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("login: read response: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: HTTP %d", ErrLoginRejected, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httputil.StatusError{StatusCode: resp.StatusCode, URL: endpoint}
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("login: decode response: %w", err)
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("login: response has no access_token")
	}

	tok := &oauth2.Token{AccessToken: lr.AccessToken, TokenType: lr.TokenType}
	if lr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(lr.ExpiresIn) * time.Second)
	} else if exp, ok := jwtExpiry(lr.AccessToken); ok {
		tok.Expiry = exp
	}
	log.Info("logged in", "email", s.creds.Email, "expires", tok.Expiry)
	return tok, nil
}

// loginURL maps the configured server URL, which may use a ws scheme, onto
// the HTTP login endpoint.
func loginURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + LoginPath
	u.RawQuery = ""
	return u.String(), nil
}

// jwtExpiry reads the exp claim without verifying the signature. The
// backend verifies; the client only needs to know when to log in again.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
