// Package config provides YAML configuration parsing for the taskpool binary.
//
// This package enables running taskpool as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	port: 8080
//	poll_interval: 3s
//	max_workers: 10
//
//	store:
//	  driver: postgres
//	  dsn: ${DATABASE_URL}
//
//	task_types:
//	  - name: report
//	    handler: webhook
//	    url: https://reports.example.com/run
//	    timeout: 30s
//
//	tasks:
//	  - id: nightly-report
//	    type: report
//	    interval: 24h
//	    params:
//	      recipients: [ops@example.com]
//
// Top-level settings may be overridden by TASKPOOL_* environment variables,
// for example TASKPOOL_MAX_WORKERS=20 or TASKPOOL_STORE_DSN=...
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// minPollInterval is the minimum allowed polling interval.
// This prevents accidentally hammering a shared store.
const minPollInterval = 1 * time.Second

// envPrefix is the prefix of environment overrides.
const envPrefix = "TASKPOOL"

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported task handlers.
const (
	HandlerWebhook = "webhook"
	HandlerLog     = "log"
)

// Config is the root configuration structure for the taskpool binary.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the HTTP API port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the time between claim loop runs.
	// Accepts duration strings like "3s", "1m". Defaults to 3s.
	PollInterval Duration `yaml:"poll_interval"`

	// MaxWorkers is the number of tasks run at once. Defaults to 10.
	MaxWorkers int `yaml:"max_workers"`

	// ClaimTimeout is how long a claim lasts before it may be taken over.
	// Defaults to 5m.
	ClaimTimeout Duration `yaml:"claim_timeout"`

	// OwnerID identifies this instance. Defaults to a random UUID.
	OwnerID string `yaml:"owner_id"`

	// Store selects where tasks are kept.
	Store StoreConfig `yaml:"store"`

	// NATS enables wake-ups between instances sharing a store.
	NATS NATSConfig `yaml:"nats"`

	// TaskTypes defines how each task type is run.
	TaskTypes []TaskTypeConfig `yaml:"task_types"`

	// Tasks are scheduled at startup unless a task with the same ID exists.
	Tasks []TaskConfig `yaml:"tasks"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	// Driver is "memory" (default), "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the data source name for SQL drivers.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	DSN string `yaml:"dsn"`
}

// NATSConfig configures work notifications.
type NATSConfig struct {
	// URL of the NATS server. Empty disables notifications.
	URL string `yaml:"url"`

	// Subject notifications are published on. Defaults to "taskpool.work".
	Subject string `yaml:"subject"`
}

// TaskTypeConfig defines a task type and the handler that runs it.
type TaskTypeConfig struct {
	// Name is the task type.
	Name string `yaml:"name"`

	// Title is a human-readable name used in logs.
	Title string `yaml:"title"`

	// Timeout bounds a single run. Defaults to 5m.
	Timeout Duration `yaml:"timeout"`

	// MaxAttempts is how often a task is tried before giving up. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is multiplied by the attempt count to get the wait before
	// a retry. Defaults to 5m.
	RetryDelay Duration `yaml:"retry_delay"`

	// Handler is "webhook" or "log".
	Handler string `yaml:"handler"`

	// URL is the webhook endpoint (webhook only).
	// Supports environment variable substitution.
	URL string `yaml:"url"`

	// Method is the webhook HTTP method (POST, PUT, PATCH). Defaults to POST.
	Method string `yaml:"method"`

	// Headers are sent with every webhook call.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`
}

// TaskConfig is a task scheduled at startup.
type TaskConfig struct {
	// ID identifies the task. Defaults to the task type.
	ID string `yaml:"id"`

	// Type names one of the configured task types.
	Type string `yaml:"type"`

	// Interval makes the task recurring. Zero means it runs once.
	Interval Duration `yaml:"interval"`

	// Params are passed to the handler as JSON.
	Params map[string]any `yaml:"params"`
}

// Overrides holds the settings that may be set from the environment.
// Zero values leave the file's settings unchanged.
type Overrides struct {
	Port         int           `envconfig:"PORT"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	MaxWorkers   int           `envconfig:"MAX_WORKERS"`
	ClaimTimeout time.Duration `envconfig:"CLAIM_TIMEOUT"`
	OwnerID      string        `envconfig:"OWNER_ID"`
	StoreDriver  string        `envconfig:"STORE_DRIVER"`
	StoreDSN     string        `envconfig:"STORE_DSN"`
	NATSURL      string        `envconfig:"NATS_URL"`
	NATSSubject  string        `envconfig:"NATS_SUBJECT"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded and TASKPOOL_* overrides
// applied before validation. Returns an error if the file cannot be read
// or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// TASKPOOL_* environment overrides are applied, then defaults, then
// environment variables are expanded in DSN, URL and header values.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var ov Overrides
	if err := envconfig.Process(envPrefix, &ov); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	cfg.apply(ov)
	cfg.applyDefaults()

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// apply copies the non-zero overrides into c.
func (c *Config) apply(ov Overrides) {
	if ov.Port != 0 {
		c.Port = ov.Port
	}
	if ov.PollInterval != 0 {
		c.PollInterval = Duration(ov.PollInterval)
	}
	if ov.MaxWorkers != 0 {
		c.MaxWorkers = ov.MaxWorkers
	}
	if ov.ClaimTimeout != 0 {
		c.ClaimTimeout = Duration(ov.ClaimTimeout)
	}
	if ov.OwnerID != "" {
		c.OwnerID = ov.OwnerID
	}
	if ov.StoreDriver != "" {
		c.Store.Driver = ov.StoreDriver
	}
	if ov.StoreDSN != "" {
		c.Store.DSN = ov.StoreDSN
	}
	if ov.NATSURL != "" {
		c.NATS.URL = ov.NATSURL
	}
	if ov.NATSSubject != "" {
		c.NATS.Subject = ov.NATSSubject
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(3 * time.Second)
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 10
	}
	if c.ClaimTimeout == 0 {
		c.ClaimTimeout = Duration(5 * time.Minute)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	for i := range c.Tasks {
		if c.Tasks[i].ID == "" {
			c.Tasks[i].ID = c.Tasks[i].Type
		}
	}
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.ClaimTimeout.Duration() < time.Second {
		return fmt.Errorf("claim_timeout must be at least 1s, got %s", c.ClaimTimeout.Duration())
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.NATS.URL != "" {
		expanded, err := expandEnvVars(c.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: url: %w", err)
		}
		c.NATS.URL = expanded
	}

	if len(c.TaskTypes) == 0 {
		return errors.New("at least one task type must be defined")
	}

	types := make(map[string]struct{}, len(c.TaskTypes))
	for i := range c.TaskTypes {
		tt := &c.TaskTypes[i]
		if err := tt.expandAndValidate(i); err != nil {
			return err
		}
		if _, dup := types[tt.Name]; dup {
			return fmt.Errorf("task_types[%d] (%s): duplicate task type", i, tt.Name)
		}
		types[tt.Name] = struct{}{}
	}

	ids := make(map[string]struct{}, len(c.Tasks))
	for i, task := range c.Tasks {
		if task.Type == "" {
			return fmt.Errorf("tasks[%d]: type is required", i)
		}
		if _, ok := types[task.Type]; !ok {
			return fmt.Errorf("tasks[%d] (%s): unknown task type %q", i, task.ID, task.Type)
		}
		if _, dup := ids[task.ID]; dup {
			return fmt.Errorf("tasks[%d] (%s): duplicate task id", i, task.ID)
		}
		ids[task.ID] = struct{}{}

		if task.Interval != 0 && task.Interval.Duration() < time.Second {
			return fmt.Errorf("tasks[%d] (%s): interval must be at least 1s if specified, got %s",
				i, task.ID, task.Interval.Duration())
		}
	}

	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case DriverMemory:
		return nil
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("store: driver must be memory, sqlite, or postgres, got %q", c.Store.Driver)
	}

	if c.Store.DSN == "" {
		return fmt.Errorf("store: dsn is required for driver %s", c.Store.Driver)
	}
	expanded, err := expandEnvVars(c.Store.DSN)
	if err != nil {
		return fmt.Errorf("store: dsn: %w", err)
	}
	c.Store.DSN = expanded
	return nil
}

func (tt *TaskTypeConfig) expandAndValidate(i int) error {
	if tt.Name == "" {
		return fmt.Errorf("task_types[%d]: name is required", i)
	}

	if tt.Timeout != 0 && tt.Timeout.Duration() < time.Second {
		return fmt.Errorf("task_types[%d] (%s): timeout must be at least 1s if specified, got %s",
			i, tt.Name, tt.Timeout.Duration())
	}
	if tt.MaxAttempts < 0 {
		return fmt.Errorf("task_types[%d] (%s): max_attempts cannot be negative, got %d", i, tt.Name, tt.MaxAttempts)
	}
	if tt.RetryDelay < 0 {
		return fmt.Errorf("task_types[%d] (%s): retry_delay cannot be negative, got %s",
			i, tt.Name, tt.RetryDelay.Duration())
	}

	switch tt.Handler {
	case HandlerLog:
		return nil
	case HandlerWebhook:
	case "":
		return fmt.Errorf("task_types[%d] (%s): handler is required", i, tt.Name)
	default:
		return fmt.Errorf("task_types[%d] (%s): handler must be webhook or log, got %q", i, tt.Name, tt.Handler)
	}

	if tt.URL == "" {
		return fmt.Errorf("task_types[%d] (%s): url is required for webhook handler", i, tt.Name)
	}
	expanded, err := expandEnvVars(tt.URL)
	if err != nil {
		return fmt.Errorf("task_types[%d] (%s): url: %w", i, tt.Name, err)
	}
	tt.URL = expanded

	parsedURL, err := url.Parse(tt.URL)
	if err != nil {
		return fmt.Errorf("task_types[%d] (%s): invalid url: %w", i, tt.Name, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("task_types[%d] (%s): url scheme must be http or https, got %q", i, tt.Name, parsedURL.Scheme)
	}

	for k, v := range tt.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("task_types[%d] (%s): headers[%s]: %w", i, tt.Name, k, err)
		}
		tt.Headers[k] = expanded
	}

	if tt.Method != "" && tt.Method != "POST" && tt.Method != "PUT" && tt.Method != "PATCH" {
		return fmt.Errorf("task_types[%d] (%s): method must be POST, PUT, or PATCH", i, tt.Name)
	}

	return nil
}
