package logging

import (
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "passphrase", "secret", "token", "authorization", "signature"}

// credentialPattern matches userinfo in URLs and basic auth headers that
// show up in transport errors.
var credentialPattern = regexp.MustCompile(`(?i)(://[^/@\s:]+:)[^/@\s]+@|(basic\s+)[A-Za-z0-9+/=]+`)

// NewLogger returns a JSON logger tagged with service. Attributes named like
// credentials are redacted.
func NewLogger(service string, level slog.Level) *slog.Logger {
	return NewLoggerTo(os.Stdout, service, level)
}

func NewLoggerTo(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler).With(slog.String("service", service))
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID attaches a request identifier to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return logger
	}
	return logger.With(slog.String("requestId", requestID))
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if isSensitive(attr.Key) {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	if strings.HasSuffix(key, "key") {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// SanitizeError renders err for logs and outcome feeds. URLs lose their
// userinfo and query string and inline credentials are masked.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if parsed, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			parsed.User = nil
			parsed.RawQuery = ""
			text := strings.Replace(err.Error(), urlErr.URL, parsed.String(), 1)
			return maskCredentials(text)
		}
	}
	return maskCredentials(err.Error())
}

func maskCredentials(text string) string {
	return credentialPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := credentialPattern.FindStringSubmatch(match)
		switch {
		case sub[1] != "":
			return sub[1] + redacted + "@"
		case sub[2] != "":
			return sub[2] + redacted
		}
		return redacted
	})
}
