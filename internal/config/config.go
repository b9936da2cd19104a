package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the watchdog configuration. It is built once at startup and
// handed to each component constructor.
type Config struct {
	// Feed API
	APIURL      string `env:"API_URL,required"`
	APIUsername string `env:"API_USERNAME,required"`
	APIPassword string `env:"API_PASSWORD,required"`
	VerifySSL   bool   `env:"VERIFY_SSL" envDefault:"false"`
	TokenPath   string `env:"TOKEN_PATH" envDefault:"/token"`
	AttacksPath string `env:"ATTACKS_PATH" envDefault:"/attacks/new"`
	ResolvePath string `env:"RESOLVE_PATH" envDefault:"/attacks/resolve/{flowId}"`
	FeedDataKey string `env:"FEED_DATA_KEY" envDefault:"data"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	AuthTimeout    time.Duration `env:"AUTH_TIMEOUT" envDefault:"10s"`

	// Token lifecycle
	TokenTTL           time.Duration `env:"TOKEN_TTL" envDefault:"30m"`
	TokenRefreshMargin time.Duration `env:"TOKEN_REFRESH_MARGIN" envDefault:"5m"`
	TokenFile          string        `env:"TOKEN_FILE" envDefault:"/app/state/token.json"`

	// Polling and retries
	StateFile         string        `env:"STATE_FILE" envDefault:"/app/state/watchdog_state.json"`
	CheckInterval     time.Duration `env:"CHECK_INTERVAL" envDefault:"15s"`
	RetryBaseInterval time.Duration `env:"RETRY_BASE_INTERVAL" envDefault:"15s"`
	MaxRetryInterval  time.Duration `env:"MAX_RETRY_INTERVAL" envDefault:"300s"`
	MaxRetryAttempts  int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"5"`
	RetryDelay        time.Duration `env:"RETRY_DELAY" envDefault:"5s"`
	ResolveOnSuccess  bool          `env:"RESOLVE_ON_SUCCESS" envDefault:"true"`

	// Mitigation executor
	ExecutorPath            string        `env:"EXECUTOR_PATH" envDefault:"ansible-playbook"`
	ExecutorArgs            []string      `env:"EXECUTOR_ARGS" envDefault:"{playbook},-i,{inventory},--limit,{targets},-e,@{vars_file}" envSeparator:","`
	ExecutorTimeout         time.Duration `env:"EXECUTOR_TIMEOUT" envDefault:"60s"`
	ExecutorPartialExitCode int           `env:"EXECUTOR_PARTIAL_EXIT_CODE" envDefault:"4"`
	PlaybookPath            string        `env:"PLAYBOOK_PATH" envDefault:"/home/hids/ansible_HIPS/Playbooks/rules_playbook.yml"`
	InventoryPath           string        `env:"INVENTORY_PATH" envDefault:"/usr/local/bin/hipswatch-inventory"`
	VarsFile                string        `env:"VARS_FILE" envDefault:"/app/state/ansible_vars.json"`
	PrivateKeyFile          string        `env:"PRIVATE_KEY_FILE" envDefault:"/home/hids/.ssh/ansible_key"`
	RequiredFiles           []string      `env:"REQUIRED_FILES" envSeparator:","`
	SSHUser                 string        `env:"SSH_USER" envDefault:"pi"`
	InventoryGroup          string        `env:"INVENTORY_GROUP" envDefault:"Mirai_Bots"`
	PolicyFile              string        `env:"POLICY_FILE"`

	// Ops surface
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	GRPCAddr    string `env:"GRPC_ADDR"`

	// Logging
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
}

// FatalConfigError reports a configuration or startup problem that must stop
// the process before the watchdog loop starts.
type FatalConfigError struct {
	Field  string
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is the normal case in containers.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, &FatalConfigError{Field: "environment", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that do not touch the filesystem.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &FatalConfigError{Field: "API_URL", Reason: "must be an absolute URL"}
	}
	if strings.TrimSpace(c.APIUsername) == "" {
		return &FatalConfigError{Field: "API_USERNAME", Reason: "must not be empty"}
	}
	if c.APIPassword == "" {
		return &FatalConfigError{Field: "API_PASSWORD", Reason: "must not be empty"}
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"CHECK_INTERVAL", c.CheckInterval},
		{"RETRY_BASE_INTERVAL", c.RetryBaseInterval},
		{"MAX_RETRY_INTERVAL", c.MaxRetryInterval},
		{"REQUEST_TIMEOUT", c.RequestTimeout},
		{"AUTH_TIMEOUT", c.AuthTimeout},
		{"TOKEN_TTL", c.TokenTTL},
		{"EXECUTOR_TIMEOUT", c.ExecutorTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return &FatalConfigError{Field: p.name, Reason: "must be greater than zero"}
		}
	}
	if c.TokenRefreshMargin < 0 || c.TokenRefreshMargin >= c.TokenTTL {
		return &FatalConfigError{Field: "TOKEN_REFRESH_MARGIN", Reason: "must be in [0, TOKEN_TTL)"}
	}
	if c.MaxRetryInterval < c.RetryBaseInterval {
		return &FatalConfigError{Field: "MAX_RETRY_INTERVAL", Reason: "must not be below RETRY_BASE_INTERVAL"}
	}
	if c.MaxRetryAttempts < 1 {
		return &FatalConfigError{Field: "MAX_RETRY_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.ExecutorPartialExitCode <= 0 {
		return &FatalConfigError{Field: "EXECUTOR_PARTIAL_EXIT_CODE", Reason: "must be a non-zero exit code"}
	}
	if c.StateFile == "" {
		return &FatalConfigError{Field: "STATE_FILE", Reason: "must not be empty"}
	}
	if c.TokenFile == "" {
		return &FatalConfigError{Field: "TOKEN_FILE", Reason: "must not be empty"}
	}
	return nil
}

// ValidateStartup checks the executables and files the mitigation executor
// depends on. It resolves ExecutorPath through PATH and stores the result.
func (c *Config) ValidateStartup() error {
	resolved, err := exec.LookPath(c.ExecutorPath)
	if err != nil {
		return &FatalConfigError{Field: "EXECUTOR_PATH", Reason: err.Error()}
	}
	c.ExecutorPath = resolved

	for _, f := range c.requiredFiles() {
		if _, err := os.Stat(f.path); err != nil {
			reason := "not readable"
			if errors.Is(err, os.ErrNotExist) {
				reason = "not found"
			}
			return &FatalConfigError{Field: f.field, Reason: fmt.Sprintf("%s: %s", f.path, reason)}
		}
	}
	return nil
}

type requiredFile struct {
	field string
	path  string
}

func (c *Config) requiredFiles() []requiredFile {
	var files []requiredFile
	if c.PlaybookPath != "" {
		files = append(files, requiredFile{"PLAYBOOK_PATH", c.PlaybookPath})
	}
	if c.PrivateKeyFile != "" {
		files = append(files, requiredFile{"PRIVATE_KEY_FILE", c.PrivateKeyFile})
	}
	if c.PolicyFile != "" {
		files = append(files, requiredFile{"POLICY_FILE", c.PolicyFile})
	}
	for _, f := range c.RequiredFiles {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, requiredFile{"REQUIRED_FILES", f})
		}
	}
	return files
}

// Tool is the subset of the configuration read by the inventory and operator
// commands. It needs no feed credentials.
type Tool struct {
	StateFile      string `env:"STATE_FILE" envDefault:"/app/state/watchdog_state.json"`
	TokenFile      string `env:"TOKEN_FILE" envDefault:"/app/state/token.json"`
	SSHUser        string `env:"SSH_USER" envDefault:"pi"`
	InventoryGroup string `env:"INVENTORY_GROUP" envDefault:"Mirai_Bots"`
	PolicyFile     string `env:"POLICY_FILE"`
}

// LoadTool reads the Tool settings the same way Load does.
func LoadTool() (*Tool, error) {
	_ = godotenv.Load()

	t := &Tool{}
	if err := env.Parse(t); err != nil {
		return nil, &FatalConfigError{Field: "environment", Reason: err.Error()}
	}
	return t, nil
}
