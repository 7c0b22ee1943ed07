package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped back into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal error was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Err joins the fatal errors, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config. Out-of-range numeric values are clamped
// in place and reported as warnings; everything else is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				r.fatal("%s %s", fieldName(e), formatValidationMessage(e))
			}
		} else {
			r.fatal("validate config: %w", err)
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.fatal("server_url %q is not a valid URL: %w", c.ServerURL, err)
		} else {
			switch u.Scheme {
			case "http", "https", "ws", "wss":
			default:
				r.fatal("server_url scheme must be http, https, ws or wss, got %q", u.Scheme)
			}
		}
	}

	if c.AuthToken != "" && hasControlChars(c.AuthToken) {
		r.fatal("auth_token contains control characters")
	}
	if c.AuthEmail != "" && c.AuthPassword == "" {
		r.fatal("auth_password is required when auth_email is set")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		r.fatal("device_name must not be empty")
	}

	if c.SampleRate != SampleRate {
		r.warn("sample_rate %d is not supported, using %d", c.SampleRate, SampleRate)
		c.SampleRate = SampleRate
	}
	if c.ChannelCount != ChannelCount {
		r.warn("channel_count %d is not supported, using %d", c.ChannelCount, ChannelCount)
		c.ChannelCount = ChannelCount
	}

	if c.BufferSize < 256 {
		r.warn("buffer_size %d is below minimum 256, clamping", c.BufferSize)
		c.BufferSize = 256
	} else if c.BufferSize > 16384 {
		r.warn("buffer_size %d exceeds maximum 16384, clamping", c.BufferSize)
		c.BufferSize = 16384
	} else if c.BufferSize&(c.BufferSize-1) != 0 {
		rounded := nextPowerOfTwo(c.BufferSize)
		r.warn("buffer_size %d is not a power of two, using %d", c.BufferSize, rounded)
		c.BufferSize = rounded
	}

	if c.KeepaliveSeconds < 5 {
		r.warn("keepalive_seconds %d is below minimum 5, clamping", c.KeepaliveSeconds)
		c.KeepaliveSeconds = 5
	} else if c.KeepaliveSeconds > 300 {
		r.warn("keepalive_seconds %d exceeds maximum 300, clamping", c.KeepaliveSeconds)
		c.KeepaliveSeconds = 300
	}

	if c.HandshakeTimeoutSeconds < 1 {
		r.warn("handshake_timeout_seconds %d is below minimum 1, clamping", c.HandshakeTimeoutSeconds)
		c.HandshakeTimeoutSeconds = 1
	} else if c.HandshakeTimeoutSeconds > 60 {
		r.warn("handshake_timeout_seconds %d exceeds maximum 60, clamping", c.HandshakeTimeoutSeconds)
		c.HandshakeTimeoutSeconds = 60
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
		c.LogFormat = "text"
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func fieldName(e validator.FieldError) string {
	switch e.Field() {
	case "ServerURL":
		return "server_url"
	case "AuthEmail":
		return "auth_email"
	case "Mode":
		return "mode"
	case "LegacyPath":
		return "legacy_path"
	case "DualStreamPath":
		return "dual_stream_path"
	default:
		return e.Field()
	}
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
