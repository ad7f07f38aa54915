package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "afu9.yml"

// Config models afu9.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecretEnv       string   `yaml:"jwt_secret_env"`
		AllowLegacyHeaders bool     `yaml:"allow_legacy_headers"`
		OperatorGroups     []string `yaml:"operator_groups"`
	} `yaml:"auth"`
	GitHub struct {
		Owner           string        `yaml:"owner"`
		Repo            string        `yaml:"repo"`
		TokenEnv        string        `yaml:"token_env"`
		BaseURL         string        `yaml:"base_url"`
		MergeMethod     string        `yaml:"merge_method"`
		RequireApproval bool          `yaml:"require_approval"`
		Timeout         time.Duration `yaml:"timeout"`
		Retry           struct {
			MaxElapsed      time.Duration `yaml:"max_elapsed"`
			InitialInterval time.Duration `yaml:"initial_interval"`
		} `yaml:"retry"`
	} `yaml:"github"`
	Loop struct {
		MaxSteps         int `yaml:"max_steps"`
		BatchConcurrency int `yaml:"batch_concurrency"`
	} `yaml:"loop"`
	Publish struct {
		DefaultControlPack string   `yaml:"default_control_pack"`
		Labels             []string `yaml:"labels"`
	} `yaml:"publish"`
	Specgen struct {
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"specgen"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards timeline events to an HTTP endpoint. Empty Events means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var mergeMethods = map[string]struct{}{"merge": {}, "squash": {}, "rebase": {}}

// Load reads and validates config from workspace. A missing file yields the defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, ok := mergeMethods[c.GitHub.MergeMethod]; !ok {
		return fmt.Errorf("config.github.merge_method must be one of merge, squash, rebase")
	}
	if c.GitHub.Timeout <= 0 {
		return fmt.Errorf("config.github.timeout must be positive")
	}
	if (c.GitHub.Owner == "") != (c.GitHub.Repo == "") {
		return fmt.Errorf("config.github.owner and config.github.repo must be set together")
	}
	if c.Loop.MaxSteps < 1 {
		return fmt.Errorf("config.loop.max_steps must be at least 1")
	}
	if c.Loop.BatchConcurrency < 1 {
		return fmt.Errorf("config.loop.batch_concurrency must be at least 1")
	}
	for _, g := range c.Auth.OperatorGroups {
		if strings.TrimSpace(g) == "" {
			return fmt.Errorf("config.auth.operator_groups contains an empty group")
		}
	}
	if c.Specgen.MaxTokens < 0 {
		return fmt.Errorf("config.specgen.max_tokens must not be negative")
	}
	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Repository returns "owner/repo", or "" when unset.
func (c *Config) Repository() string {
	if c.GitHub.Owner == "" {
		return ""
	}
	return c.GitHub.Owner + "/" + c.GitHub.Repo
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api/afu9

auth:
  jwt_secret_env: AFU9_JWT_SECRET
  allow_legacy_headers: true
  operator_groups: []

github:
  token_env: AFU9_GITHUB_TOKEN
  merge_method: squash
  require_approval: false
  timeout: 15s
  retry:
    max_elapsed: 30s
    initial_interval: 500ms

loop:
  max_steps: 9
  batch_concurrency: 4

publish:
  default_control_pack: cp:intent
  labels: [afu9]

specgen:
  model: claude-haiku-4-5-20251001
  max_tokens: 2048
  api_key_env: ANTHROPIC_API_KEY

telemetry:
  enabled: false
  stdout: false

webhooks: []
`
