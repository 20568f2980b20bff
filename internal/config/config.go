package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/groupsync/internal/logging"
)

const (
	DefaultListenAddr     = ":8080"
	DefaultEmailDomain    = "@uw.edu"
	DefaultUsernameHeader = "x-username"
	DefaultDataDir        = ".groupsync"
)

// Config is the process configuration read from the environment. The
// upstream service document it points at is loaded separately.
type Config struct {
	ServiceName string `validate:"required"`
	LogLevel    string `validate:"omitempty,oneof=debug info warn warning error"`
	ListenAddr  string `validate:"required"`

	AWSRegion            string
	AWSEndpoint          string `validate:"omitempty,url"`
	AWSAccessKeyID       string
	AWSSecretAccessKey   string `validate:"required_with=AWSAccessKeyID"`
	KMSKeyID             string
	DisableKMSDecryption bool

	ConfigBucket string
	ConfigKey    string
	ConfigFile   string
	// ObjectRoot serves bucket/key lookups from a local directory instead
	// of S3.
	ObjectRoot string

	EmailDomain    string `validate:"required,startswith=@"`
	UsernameHeader string `validate:"required"`
	MessageKey     string

	QueueDSN          string `validate:"required"`
	MessagesPerBatch  int    `validate:"min=1,max=100"`
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	MaxIterations     int `validate:"min=1"`
	DrainSchedule     string

	IgnoredGroups        string
	IgnoredGroupPrefixes string
	ManagedNamespace     string
	RootGroup            string `validate:"required"`

	InternalHMACSecret   string
	InternalMaxSkew      time.Duration
	AllowedRedirectHosts []string
	RateLimitMax         int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64 `validate:"min=0"`

	// Warnings collects fallbacks taken while reading the environment. They
	// are logged once the logger exists.
	Warnings []string
}

func (c Config) SlogLevel() slog.Level {
	return logging.ParseLevel(c.LogLevel)
}

// Load reads the configuration from the environment. The Lambda era
// variable names are still honoured when the GROUPSYNC_ ones are unset.
func Load() (Config, error) {
	cfg := Config{
		ServiceName:          stringEnv("groupsync", "GROUPSYNC_SERVICE_NAME"),
		LogLevel:             stringEnv("info", "GROUPSYNC_LOG_LEVEL"),
		ListenAddr:           stringEnv(DefaultListenAddr, "GROUPSYNC_ADDR"),
		AWSRegion:            stringEnv("", "GROUPSYNC_AWS_REGION", "awsRegion", "AWS_REGION"),
		AWSEndpoint:          stringEnv("", "GROUPSYNC_AWS_ENDPOINT"),
		AWSAccessKeyID:       stringEnv("", "GROUPSYNC_AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:   stringEnv("", "GROUPSYNC_AWS_SECRET_ACCESS_KEY"),
		KMSKeyID:             stringEnv("", "GROUPSYNC_KMS_KEY_ID"),
		ConfigBucket:         stringEnv("", "GROUPSYNC_CONFIG_BUCKET", "CONFIG_BUCKET"),
		ConfigKey:            stringEnv("", "GROUPSYNC_CONFIG_KEY", "CONFIG_KEY"),
		ConfigFile:           stringEnv("", "GROUPSYNC_CONFIG_FILE"),
		ObjectRoot:           stringEnv("", "GROUPSYNC_OBJECT_ROOT"),
		EmailDomain:          stringEnv(DefaultEmailDomain, "GROUPSYNC_EMAIL_DOMAIN", "emailDomain"),
		UsernameHeader:       strings.ToLower(stringEnv(DefaultUsernameHeader, "GROUPSYNC_USERNAME_HEADER", "usernameKey")),
		MessageKey:           stringEnv("", "GROUPSYNC_MESSAGE_KEY", "gwsKey"),
		DrainSchedule:        stringEnv("", "GROUPSYNC_DRAIN_SCHEDULE"),
		IgnoredGroups:        stringEnv("", "GROUPSYNC_IGNORED_GROUPS", "ignoredGroups"),
		IgnoredGroupPrefixes: stringEnv("", "GROUPSYNC_IGNORED_GROUP_PREFIXES", "ignoredGroupPrefixes"),
		ManagedNamespace:     stringEnv("u_edms", "GROUPSYNC_MANAGED_NAMESPACE"),
		RootGroup:            stringEnv("uw_groups", "GROUPSYNC_ROOT_GROUP"),
		InternalHMACSecret:   os.Getenv("GROUPSYNC_INTERNAL_HMAC_SECRET"),
		AllowedRedirectHosts: listEnv("GROUPSYNC_ALLOWED_REDIRECT_HOSTS"),
	}
	cfg.DisableKMSDecryption = boolEnv(&cfg, false, "GROUPSYNC_DISABLE_KMS_DECRYPTION", "DISABLE_KMS_DECRYPTION")
	cfg.MessagesPerBatch = intEnv(&cfg, 10, "GROUPSYNC_MESSAGES_PER_BATCH", "messagesPerBatch")
	cfg.MaxIterations = intEnv(&cfg, 100, "GROUPSYNC_DRAIN_MAX_ITERATIONS")
	cfg.RateLimitMax = intEnv(&cfg, 0, "GROUPSYNC_RATE_LIMIT_MAX")
	cfg.MaxBodyBytes = int64Env(&cfg, 0, "GROUPSYNC_MAX_BODY_BYTES")
	cfg.VisibilityTimeout = durationEnv(&cfg, 30*time.Second, "GROUPSYNC_VISIBILITY_TIMEOUT")
	cfg.WaitTime = durationEnv(&cfg, 20*time.Second, "GROUPSYNC_WAIT_TIME")
	cfg.InternalMaxSkew = durationEnv(&cfg, 5*time.Minute, "GROUPSYNC_INTERNAL_MAX_SKEW")
	cfg.RateLimitWindow = durationEnv(&cfg, time.Minute, "GROUPSYNC_RATE_LIMIT_WINDOW")

	queueDSN, err := queueDSNFromEnv(cfg.AWSRegion)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueDSN = queueDSN

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// HasRemoteDocument reports whether the service document comes from an
// object store rather than a local file.
func (c Config) HasRemoteDocument() bool {
	return c.ConfigFile == "" && c.ConfigBucket != "" && c.ConfigKey != ""
}

// queueDSNFromEnv picks the change queue. An explicit DSN wins, then the
// SQS queue name, then the backend profile.
func queueDSNFromEnv(region string) (string, error) {
	if dsn := stringEnv("", "GROUPSYNC_QUEUE_DSN"); dsn != "" {
		return dsn, nil
	}
	if name := stringEnv("", "GROUPSYNC_SQS_QUEUE_NAME", "sqsQueueName"); name != "" {
		q := url.Values{}
		if region != "" {
			q.Set("region", region)
		}
		dsn := "sqs://" + url.PathEscape(name)
		if encoded := q.Encode(); encoded != "" {
			dsn += "?" + encoded
		}
		return dsn, nil
	}
	profile := strings.ToLower(stringEnv("", "GROUPSYNC_BACKEND_PROFILE"))
	dataDir := stringEnv(DefaultDataDir, "GROUPSYNC_DATA_DIR")
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := stringEnv("", "GROUPSYNC_PRODUCTION_DSN", "GROUPSYNC_POSTGRES_DSN")
		if dsn == "" {
			return "", fmt.Errorf("GROUPSYNC_PRODUCTION_DSN or GROUPSYNC_POSTGRES_DSN is required when GROUPSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "change-queue.json"), nil
	default:
		return "", fmt.Errorf("unsupported GROUPSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func stringEnv(fallback string, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return fallback
}

func listEnv(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func lookup(names []string) (string, string) {
	for _, name := range names {
		if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
			return name, raw
		}
	}
	return "", ""
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func intEnv(cfg *Config, fallback int, names ...string) int {
	name, raw := lookup(names)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		cfg.warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(cfg *Config, fallback int64, names ...string) int64 {
	name, raw := lookup(names)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		cfg.warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(cfg *Config, fallback time.Duration, names ...string) time.Duration {
	name, raw := lookup(names)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		cfg.warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// boolEnv counts non-boolean values as true.
func boolEnv(cfg *Config, fallback bool, names ...string) bool {
	name, raw := lookup(names)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		cfg.warnf("non-boolean %s=%q treated as true", name, raw)
		return true
	}
	return value
}
