// Package config loads the proxy configuration and resolves the upstream
// endpoints, storage location and encryption key from it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for unset fields.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultPublicURL         = "http://localhost:8080"
	DefaultResourcePath      = "/mcp"
	DefaultUpstreamTimeout   = 30 * time.Second
	DefaultReaperInterval    = 60 * time.Second
	DefaultRegistrationRate  = 0.1
	DefaultRegistrationBurst = 10

	// EnvProduction is the APP_ENV value that selects production defaults.
	EnvProduction = "production"
)

// Config is the process configuration. Fields can come from an optional
// YAML file and are then overridden by environment variables.
type Config struct {
	// APIBaseURL is the upstream API base URL, e.g. https://app.example.com/api/v2.
	// The OAuth endpoints are derived from it.
	APIBaseURL string `yaml:"api_base_url" env:"WORKSPACE_API_BASE_URL"`

	// Explicit endpoint overrides. Each wins over derivation.
	AuthorizeURL string `yaml:"authorize_url" env:"OAUTH_AUTHORIZE_URL"`
	TokenURL     string `yaml:"token_url" env:"OAUTH_TOKEN_URL"`
	DeviceURL    string `yaml:"device_url" env:"OAUTH_DEVICE_URL"`

	// PublicURL is this server's externally reachable base URL. It is the
	// issuer and the prefix of the callback URL.
	PublicURL    string `yaml:"public_url" env:"OAUTH_PUBLIC_URL"`
	ResourcePath string `yaml:"resource_path" env:"OAUTH_RESOURCE_PATH"`

	// Credentials this server uses as a client of the upstream.
	ClientID     string   `yaml:"client_id" env:"OAUTH_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"OAUTH_CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes" env:"OAUTH_SCOPES" envSeparator:","`

	StorageDir    string `yaml:"storage_dir" env:"OAUTH_STORAGE_DIR"`
	EncryptionKey string `yaml:"encryption_key" env:"OAUTH_ENCRYPTION_KEY"`
	Environment   string `yaml:"environment" env:"APP_ENV"`

	HTTPAddr        string        `yaml:"http_addr" env:"OAUTH_HTTP_ADDR"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" env:"OAUTH_UPSTREAM_TIMEOUT"`
	ReaperInterval  time.Duration `yaml:"reaper_interval" env:"OAUTH_REAPER_INTERVAL"`

	// ClientRetention deletes clients registered longer ago than this.
	// Zero keeps clients forever.
	ClientRetention time.Duration `yaml:"client_retention" env:"OAUTH_CLIENT_RETENTION"`

	// TrustProxy honours X-Forwarded-For when deriving client IPs.
	TrustProxy bool `yaml:"trust_proxy" env:"OAUTH_TRUST_PROXY"`

	// Per-IP limits for registration and device authorization, in requests
	// per second. A negative rate disables limiting.
	RegistrationRate  float64 `yaml:"registration_rate" env:"OAUTH_REGISTRATION_RATE"`
	RegistrationBurst int     `yaml:"registration_burst" env:"OAUTH_REGISTRATION_BURST"`

	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracingEnabled bool   `yaml:"tracing_enabled" env:"OAUTH_TRACING_ENABLED"`
}

// IsProduction reports whether APP_ENV selects production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Load reads the YAML file at path (optional, may be empty), overlays
// environment variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		substituted, err := substituteEnvVars(string(data))
		if err != nil {
			return nil, fmt.Errorf("substituting env vars: %w", err)
		}
		if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} patterns for environment variable substitution.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Comment lines are skipped so optional sections can stay commented
// out without their variables being set.
func substituteEnvVars(content string) (string, error) {
	var missingVars []string
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			varName := envVarPattern.FindStringSubmatch(match)[1]
			value, ok := os.LookupEnv(varName)
			if !ok {
				missingVars = append(missingVars, varName)
				return match
			}
			return value
		})
	}

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing environment variables: %v", missingVars)
	}
	return strings.Join(lines, "\n"), nil
}

func applyDefaults(cfg *Config) {
	if cfg.PublicURL == "" {
		cfg.PublicURL = DefaultPublicURL
	}
	if cfg.ResourcePath == "" {
		cfg.ResourcePath = DefaultResourcePath
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = DefaultReaperInterval
	}
	if cfg.RegistrationRate == 0 {
		cfg.RegistrationRate = DefaultRegistrationRate
	}
	if cfg.RegistrationBurst == 0 {
		cfg.RegistrationBurst = DefaultRegistrationBurst
	}
}

// Validate checks fields that would make the server unusable. The
// encryption key is checked by EncryptionKey.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client_id (OAUTH_CLIENT_ID) is required")
	}

	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public_url %q must be an absolute URL", c.PublicURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("public_url must use https in production")
	}

	if !strings.HasPrefix(c.ResourcePath, "/") {
		return fmt.Errorf("resource_path %q must start with /", c.ResourcePath)
	}
	if c.UpstreamTimeout < 0 || c.ReaperInterval < 0 || c.ClientRetention < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RegistrationRate > 0 && c.RegistrationBurst < 1 {
		return fmt.Errorf("registration_burst must be at least 1")
	}
	return nil
}
