// Package config loads Kanri's startup configuration.
//
// Settings come from an optional YAML file overlaid by KANRI_* environment
// variables. Secrets (API keys, bearer tokens, the ingress signing key) are
// read from the environment only and never from the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kanri/common/redact"
	"github.com/bdobrica/Kanri/internal/kanri/authz"
	"github.com/bdobrica/Kanri/internal/kanri/directory"
	"github.com/bdobrica/Kanri/internal/kanri/tracker"
)

// Reasoning backends.
const (
	BackendNone       = "none"
	BackendChat       = "chat"
	BackendAssistants = "assistants"
	BackendGemini     = "gemini"
)

// Directory sources.
const (
	DirectoryStatic = "static"
	DirectoryGraph  = "graph"
)

// Config is the full startup configuration.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	// Timezone is used to read dates in messages. Defaults to UTC.
	Timezone string `yaml:"timezone"`
	// MaxConcurrent bounds how many messages are handled at once.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	Log       LogConfig           `yaml:"log"`
	HTTP      HTTPConfig          `yaml:"http"`
	Matrix    MatrixConfig        `yaml:"matrix"`
	Reasoning ReasoningConfig     `yaml:"reasoning"`
	Tracker   TrackerConfig       `yaml:"tracker"`
	Directory DirectoryConfig     `yaml:"directory"`
	Pending   PendingConfig       `yaml:"pending"`
	Jobs      JobsConfig          `yaml:"jobs"`
	Policy    map[string][]string `yaml:"policy"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the health and ingress server.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr"`
	// Ingress mounts POST /api/messages.
	Ingress   bool   `yaml:"ingress"`
	RateLimit int    `yaml:"rate_limit"`
	Secret    string `yaml:"-"`
}

// MatrixConfig configures the Matrix transport. It is enabled when a
// homeserver is set.
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	Rooms       []string `yaml:"rooms"`
	AutoJoin    bool     `yaml:"auto_join"`
	AccessToken string   `yaml:"-"`
}

// Enabled reports whether the Matrix transport should start.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != ""
}

// ReasoningConfig selects the semantic parsing backend.
type ReasoningConfig struct {
	Backend     string        `yaml:"backend"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	AssistantID string        `yaml:"assistant_id"`
	Timeout     time.Duration `yaml:"timeout"`
	// RateLimit is the number of backend calls per conversation per minute.
	RateLimit int    `yaml:"rate_limit"`
	APIKey    string `yaml:"-"`
}

// TrackerConfig configures the external task tracker. It is enabled when a
// plan id is set.
type TrackerConfig struct {
	BaseURL string          `yaml:"base_url"`
	PlanID  string          `yaml:"plan_id"`
	Buckets tracker.Buckets `yaml:"buckets"`
	Timeout time.Duration   `yaml:"timeout"`
	Token   string          `yaml:"-"`
}

// Enabled reports whether task changes are mirrored to the tracker.
func (t TrackerConfig) Enabled() bool {
	return t.PlanID != ""
}

// DirectoryConfig selects where users and roles come from.
type DirectoryConfig struct {
	Source   string                 `yaml:"source"`
	BaseURL  string                 `yaml:"base_url"`
	ClientID string                 `yaml:"client_id"`
	Users    []directory.StaticUser `yaml:"users"`
	Token    string                 `yaml:"-"`
}

// PendingConfig configures disambiguation lifetime.
type PendingConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// JobsConfig holds cron schedules and retention periods of the maintenance
// jobs. An empty schedule disables the job.
type JobsConfig struct {
	Sweep          string        `yaml:"sweep"`
	Sessions       string        `yaml:"sessions"`
	SessionIdle    time.Duration `yaml:"session_idle"`
	Dedup          string        `yaml:"dedup"`
	DedupRetention time.Duration `yaml:"dedup_retention"`
	Sync           string        `yaml:"sync"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath:  "./kanri.db",
		Timezone:      "UTC",
		MaxConcurrent: 8,
		Log:           LogConfig{Level: "info", Format: "text"},
		HTTP:          HTTPConfig{Addr: ":8080"},
		Reasoning:     ReasoningConfig{Backend: BackendNone},
		Directory:     DirectoryConfig{Source: DirectoryStatic},
		Pending:       PendingConfig{TTL: 15 * time.Minute},
		Jobs: JobsConfig{
			Sweep:          "@every 1m",
			Sessions:       "@every 10m",
			SessionIdle:    time.Hour,
			Dedup:          "@hourly",
			DedupRetention: 7 * 24 * time.Hour,
			Sync:           "@every 15m",
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabasePath = envString("KANRI_DATABASE_PATH", c.DatabasePath)
	c.Timezone = envString("KANRI_TIMEZONE", c.Timezone)
	c.Log.Level = envString("KANRI_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("KANRI_LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = envString("KANRI_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.Ingress = envBool("KANRI_INGRESS_ENABLED", c.HTTP.Ingress)
	c.HTTP.RateLimit = envInt("KANRI_INGRESS_RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.Secret = envSecret("KANRI_INGRESS_SECRET")

	c.Matrix.Homeserver = envString("KANRI_MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = envString("KANRI_MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.Rooms = envList("KANRI_MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.AutoJoin = envBool("KANRI_MATRIX_AUTO_JOIN", c.Matrix.AutoJoin)
	c.Matrix.AccessToken = envSecret("KANRI_MATRIX_ACCESS_TOKEN")

	c.Reasoning.Backend = envString("KANRI_REASONING_BACKEND", c.Reasoning.Backend)
	c.Reasoning.BaseURL = envString("KANRI_REASONING_BASE_URL", c.Reasoning.BaseURL)
	c.Reasoning.Model = envString("KANRI_REASONING_MODEL", c.Reasoning.Model)
	c.Reasoning.AssistantID = envString("KANRI_REASONING_ASSISTANT_ID", c.Reasoning.AssistantID)
	c.Reasoning.Timeout = envDuration("KANRI_REASONING_TIMEOUT", c.Reasoning.Timeout)
	c.Reasoning.RateLimit = envInt("KANRI_REASONING_RATE_LIMIT", c.Reasoning.RateLimit)
	c.Reasoning.APIKey = envSecret("KANRI_REASONING_API_KEY")

	c.Tracker.BaseURL = envString("KANRI_TRACKER_BASE_URL", c.Tracker.BaseURL)
	c.Tracker.PlanID = envString("KANRI_TRACKER_PLAN_ID", c.Tracker.PlanID)
	c.Tracker.Token = envSecret("KANRI_TRACKER_TOKEN")

	c.Directory.Source = envString("KANRI_DIRECTORY_SOURCE", c.Directory.Source)
	c.Directory.BaseURL = envString("KANRI_DIRECTORY_BASE_URL", c.Directory.BaseURL)
	c.Directory.ClientID = envString("KANRI_DIRECTORY_CLIENT_ID", c.Directory.ClientID)
	c.Directory.Token = envSecret("KANRI_DIRECTORY_TOKEN")

	c.Pending.TTL = envDuration("KANRI_PENDING_TTL", c.Pending.TTL)
	c.Jobs.Sync = envString("KANRI_SYNC_SCHEDULE", c.Jobs.Sync)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be positive"))
	}

	switch c.Reasoning.Backend {
	case BackendNone:
	case BackendChat, BackendGemini:
		if c.Reasoning.APIKey == "" {
			errs = append(errs, fmt.Errorf("reasoning backend %q needs KANRI_REASONING_API_KEY", c.Reasoning.Backend))
		}
	case BackendAssistants:
		if c.Reasoning.APIKey == "" || c.Reasoning.AssistantID == "" {
			errs = append(errs, errors.New("assistants backend needs KANRI_REASONING_API_KEY and assistant_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reasoning backend %q", c.Reasoning.Backend))
	}

	if c.Matrix.Enabled() {
		if c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			errs = append(errs, errors.New("matrix needs user_id and KANRI_MATRIX_ACCESS_TOKEN"))
		}
		if len(c.Matrix.Rooms) == 0 && !c.Matrix.AutoJoin {
			errs = append(errs, errors.New("matrix needs rooms or auto_join"))
		}
	}
	if c.Tracker.Enabled() && c.Tracker.Token == "" {
		errs = append(errs, errors.New("tracker needs KANRI_TRACKER_TOKEN"))
	}

	switch c.Directory.Source {
	case DirectoryStatic:
		if _, err := directory.NewStatic(c.Directory.Users); err != nil {
			errs = append(errs, err)
		}
	case DirectoryGraph:
		if c.Directory.Token == "" || c.Directory.ClientID == "" {
			errs = append(errs, errors.New("graph directory needs client_id and KANRI_DIRECTORY_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directory source %q", c.Directory.Source))
	}

	if _, err := c.AuthzPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Ingress && c.HTTP.Addr == "" {
		errs = append(errs, errors.New("ingress needs http.addr"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// AuthzPolicy returns the default role policy with the configured overrides.
func (c *Config) AuthzPolicy() (*authz.Policy, error) {
	if len(c.Policy) == 0 {
		return authz.DefaultPolicy(), nil
	}
	overrides, err := authz.KindRoles(c.Policy)
	if err != nil {
		return nil, err
	}
	return authz.DefaultPolicy().Override(overrides), nil
}

// Secrets returns the configured secret values, for log redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.HTTP.Secret, c.Matrix.AccessToken, c.Reasoning.APIKey, c.Tracker.Token, c.Directory.Token} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Summary is a flat view of the configuration safe to log.
func (c *Config) Summary() map[string]any {
	return redact.Map(map[string]any{
		"database_path":        c.DatabasePath,
		"timezone":             c.Timezone,
		"http_addr":            c.HTTP.Addr,
		"ingress":              c.HTTP.Ingress,
		"ingress_secret":       c.HTTP.Secret,
		"matrix_homeserver":    c.Matrix.Homeserver,
		"matrix_user_id":       c.Matrix.UserID,
		"matrix_access_token":  c.Matrix.AccessToken,
		"reasoning_backend":    c.Reasoning.Backend,
		"reasoning_model":      c.Reasoning.Model,
		"reasoning_api_key":    c.Reasoning.APIKey,
		"tracker_plan_id":      c.Tracker.PlanID,
		"tracker_token":        c.Tracker.Token,
		"directory_source":     c.Directory.Source,
		"directory_token":      c.Directory.Token,
		"directory_user_count": len(c.Directory.Users),
	})
}
