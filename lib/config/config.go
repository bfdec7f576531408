// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for kwmd.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Paths       PathsConfig       `yaml:"paths"`
	Servers     ServersConfig     `yaml:"servers"`
	Login       LoginConfig       `yaml:"login"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Quench      QuenchConfig      `yaml:"quench"`
	Persistence PersistenceConfig `yaml:"persistence"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can be overridden per
// environment. Zero-valued fields inside a section leave the base value
// untouched.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	Servers     *ServersConfig     `yaml:"servers,omitempty"`
	Login       *LoginConfig       `yaml:"login,omitempty"`
	Reconnect   *ReconnectConfig   `yaml:"reconnect,omitempty"`
	Quench      *QuenchConfig      `yaml:"quench,omitempty"`
	Persistence *PersistenceConfig `yaml:"persistence,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for kwm data.
	Root string `yaml:"root"`

	// State holds the age identity used to seal remembered passwords.
	State string `yaml:"state"`

	// Database is the SQLite event store file.
	Database string `yaml:"database"`
}

// ServersConfig configures how coordination servers are reached.
type ServersConfig struct {
	// DefaultPort is used for server identifiers without a port.
	DefaultPort int `yaml:"default_port"`

	// Scheme is "wss" or "ws".
	Scheme string `yaml:"scheme"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoginConfig configures the login handshake.
type LoginConfig struct {
	// TicketServiceURL is the base URL of the ticket-issuing service.
	// Empty means no ticket service: logins never try the ticket step.
	TicketServiceURL string `yaml:"ticket_service_url"`

	// TicketTimeout bounds one ticket request.
	TicketTimeout time.Duration `yaml:"ticket_timeout"`
}

// ReconnectConfig configures the reconnect backoff. The delay after n
// consecutive failures is min(Base * 2^(n-1), Max).
type ReconnectConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// QuenchConfig configures global event flow control. Once BatchSize
// events have been processed in less than BatchSize*PerEventBudget,
// dispatch pauses until that much time has passed.
type QuenchConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PerEventBudget time.Duration `yaml:"per_event_budget"`
}

// PersistenceConfig configures snapshot scheduling.
type PersistenceConfig struct {
	// SerializationInterval is the minimum time between two snapshot
	// writes of dirty sessions.
	SerializationInterval time.Duration `yaml:"serialization_interval"`
}

// Default returns the default configuration. These defaults fill fields
// the config file omits; the file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "kwm")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			State:    filepath.Join(defaultRoot, "state"),
			Database: filepath.Join(defaultRoot, "kwm.db"),
		},
		Servers: ServersConfig{
			DefaultPort: 443,
			Scheme:      "wss",
			DialTimeout: 15 * time.Second,
		},
		Login: LoginConfig{
			TicketTimeout: 30 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Base: time.Second,
			Max:  5 * time.Minute,
		},
		Quench: QuenchConfig{
			BatchSize:      100,
			PerEventBudget: 5 * time.Millisecond,
		},
		Persistence: PersistenceConfig{
			SerializationInterval: 5 * time.Second,
		},
	}
}

// Load loads configuration from the file named by KWM_CONFIG. There is
// no fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv("KWM_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("KWM_CONFIG environment variable not set; " +
			"set it to the path of your kwm.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// matching environment section and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so after stripping comments and
		// trailing commas the same decoder and tags apply.
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if o := overrides.Paths; o != nil {
		setString(&c.Paths.Root, o.Root)
		setString(&c.Paths.State, o.State)
		setString(&c.Paths.Database, o.Database)
	}
	if o := overrides.Servers; o != nil {
		setInt(&c.Servers.DefaultPort, o.DefaultPort)
		setString(&c.Servers.Scheme, o.Scheme)
		setDuration(&c.Servers.DialTimeout, o.DialTimeout)
	}
	if o := overrides.Login; o != nil {
		setString(&c.Login.TicketServiceURL, o.TicketServiceURL)
		setDuration(&c.Login.TicketTimeout, o.TicketTimeout)
	}
	if o := overrides.Reconnect; o != nil {
		setDuration(&c.Reconnect.Base, o.Base)
		setDuration(&c.Reconnect.Max, o.Max)
	}
	if o := overrides.Quench; o != nil {
		setInt(&c.Quench.BatchSize, o.BatchSize)
		setDuration(&c.Quench.PerEventBudget, o.PerEventBudget)
	}
	if o := overrides.Persistence; o != nil {
		setDuration(&c.Persistence.SerializationInterval, o.SerializationInterval)
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value time.Duration) {
	if value != 0 {
		*dst = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"KWM_ROOT": c.Paths.Root,
		"HOME":     os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["KWM_ROOT"] = c.Paths.Root

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Login.TicketServiceURL = expandVars(c.Login.TicketServiceURL, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Servers.DefaultPort <= 0 || c.Servers.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("servers.default_port out of range: %d", c.Servers.DefaultPort))
	}
	if c.Servers.Scheme != "ws" && c.Servers.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("servers.scheme must be ws or wss, got %q", c.Servers.Scheme))
	}
	if c.Environment == Production && c.Servers.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("servers.scheme must be wss in production"))
	}

	if c.Login.TicketServiceURL != "" {
		parsed, err := url.Parse(c.Login.TicketServiceURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("login.ticket_service_url: %w", err))
		case parsed.Scheme != "http" && parsed.Scheme != "https":
			errs = append(errs, fmt.Errorf("login.ticket_service_url must be http or https, got %q", parsed.Scheme))
		case c.Environment == Production && parsed.Scheme != "https":
			errs = append(errs, fmt.Errorf("login.ticket_service_url must use https in production"))
		}
	}
	if c.Login.TicketTimeout <= 0 {
		errs = append(errs, fmt.Errorf("login.ticket_timeout must be positive"))
	}

	if c.Reconnect.Base <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.base must be positive"))
	}
	if c.Reconnect.Max < c.Reconnect.Base {
		errs = append(errs, fmt.Errorf("reconnect.max (%s) is below reconnect.base (%s)", c.Reconnect.Max, c.Reconnect.Base))
	}

	if c.Quench.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("quench.batch_size must be positive"))
	}
	if c.Quench.PerEventBudget < 0 {
		errs = append(errs, fmt.Errorf("quench.per_event_budget must not be negative"))
	}

	if c.Persistence.SerializationInterval < 0 {
		errs = append(errs, fmt.Errorf("persistence.serialization_interval must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		filepath.Dir(c.Paths.Database),
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
