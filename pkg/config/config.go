// Package config loads the registry configuration from a TOML file
// and NORA_* environment variable overrides.
// @see https://github.com/knadh/koanf .
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Mode        string `koanf:"mode"`
	Path        string `koanf:"path"`
	S3URL       string `koanf:"s3_url"`
	Bucket      string `koanf:"bucket"`
	S3Region    string `koanf:"s3_region"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`
}

// DockerConfig configures the Docker pull-through cache.
type DockerConfig struct {
	Upstreams    []string `koanf:"upstreams"`
	ProxyTimeout int      `koanf:"proxy_timeout"`
}

// MavenConfig configures the Maven proxy chain.
type MavenConfig struct {
	Proxies      []string `koanf:"proxies"`
	ProxyTimeout int      `koanf:"proxy_timeout"`
}

// NpmConfig configures the npm upstream.
type NpmConfig struct {
	Proxy        string `koanf:"proxy"`
	ProxyTimeout int    `koanf:"proxy_timeout"`
}

// PypiConfig configures the PyPI upstream.
type PypiConfig struct {
	Proxy        string `koanf:"proxy"`
	ProxyTimeout int    `koanf:"proxy_timeout"`
}

// RawConfig configures the raw blob adapter.
type RawConfig struct {
	Enabled     bool  `koanf:"enabled"`
	MaxFileSize int64 `koanf:"max_file_size"`
}

// AuthConfig configures authentication.
type AuthConfig struct {
	Enabled      bool   `koanf:"enabled"`
	HtpasswdFile string `koanf:"htpasswd_file"`
	TokenStorage string `koanf:"token_storage"`
}

// RateLimitConfig holds the three token-bucket parameter pairs.
type RateLimitConfig struct {
	AuthRPS      float64 `koanf:"auth_rps"`
	AuthBurst    int     `koanf:"auth_burst"`
	UploadRPS    float64 `koanf:"upload_rps"`
	UploadBurst  int     `koanf:"upload_burst"`
	GeneralRPS   float64 `koanf:"general_rps"`
	GeneralBurst int     `koanf:"general_burst"`
}

// SecretsConfig selects where credentials come from.
type SecretsConfig struct {
	Provider string `koanf:"provider"`
	ClearEnv bool   `koanf:"clear_env"`
}

// LoggingConfig configures the log output.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Docker    DockerConfig    `koanf:"docker"`
	Maven     MavenConfig     `koanf:"maven"`
	Npm       NpmConfig       `koanf:"npm"`
	Pypi      PypiConfig      `koanf:"pypi"`
	Raw       RawConfig       `koanf:"raw"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// Default returns the built-in configuration used when neither the
// file nor the environment overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 4000},
		Storage: StorageConfig{
			Mode:     "local",
			Path:     "data/storage",
			S3URL:    "http://127.0.0.1:3000",
			Bucket:   "registry",
			S3Region: "us-east-1",
		},
		Docker: DockerConfig{
			Upstreams:    []string{"https://registry-1.docker.io"},
			ProxyTimeout: 30,
		},
		Maven: MavenConfig{
			Proxies:      []string{"https://repo1.maven.org/maven2"},
			ProxyTimeout: 30,
		},
		Npm:  NpmConfig{Proxy: "https://registry.npmjs.org", ProxyTimeout: 30},
		Pypi: PypiConfig{Proxy: "https://pypi.org", ProxyTimeout: 30},
		Raw:  RawConfig{Enabled: false, MaxFileSize: 10 * 1024 * 1024},
		Auth: AuthConfig{
			Enabled:      false,
			HtpasswdFile: "users.htpasswd",
			TokenStorage: "data/tokens",
		},
		RateLimit: RateLimitConfig{
			AuthRPS: 1, AuthBurst: 5,
			UploadRPS: 200, UploadBurst: 500,
			GeneralRPS: 100, GeneralBurst: 200,
		},
		Secrets: SecretsConfig{Provider: "env"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// envKeys maps recognized environment variables onto configuration
// keys. Variables not listed here are ignored.
var envKeys = map[string]string{
	"NORA_HOST":                     "server.host",
	"NORA_PORT":                     "server.port",
	"NORA_STORAGE_MODE":             "storage.mode",
	"NORA_STORAGE_PATH":             "storage.path",
	"NORA_STORAGE_S3_URL":           "storage.s3_url",
	"NORA_STORAGE_BUCKET":           "storage.bucket",
	"NORA_STORAGE_S3_REGION":        "storage.s3_region",
	"NORA_STORAGE_S3_ACCESS_KEY":    "storage.s3_access_key",
	"NORA_STORAGE_S3_SECRET_KEY":    "storage.s3_secret_key",
	"NORA_DOCKER_UPSTREAMS":         "docker.upstreams",
	"NORA_DOCKER_PROXY_TIMEOUT":     "docker.proxy_timeout",
	"NORA_MAVEN_PROXIES":            "maven.proxies",
	"NORA_MAVEN_PROXY_TIMEOUT":      "maven.proxy_timeout",
	"NORA_NPM_PROXY":                "npm.proxy",
	"NORA_PYPI_PROXY":               "pypi.proxy",
	"NORA_RAW_ENABLED":              "raw.enabled",
	"NORA_RAW_MAX_FILE_SIZE":        "raw.max_file_size",
	"NORA_AUTH_ENABLED":             "auth.enabled",
	"NORA_AUTH_HTPASSWD_FILE":       "auth.htpasswd_file",
	"NORA_AUTH_TOKEN_STORAGE":       "auth.token_storage",
	"NORA_RATE_LIMIT_AUTH_RPS":      "rate_limit.auth_rps",
	"NORA_RATE_LIMIT_AUTH_BURST":    "rate_limit.auth_burst",
	"NORA_RATE_LIMIT_UPLOAD_RPS":    "rate_limit.upload_rps",
	"NORA_RATE_LIMIT_UPLOAD_BURST":  "rate_limit.upload_burst",
	"NORA_RATE_LIMIT_GENERAL_RPS":   "rate_limit.general_rps",
	"NORA_RATE_LIMIT_GENERAL_BURST": "rate_limit.general_burst",
	"NORA_LOG_LEVEL":                "logging.level",
}

// listKeys are the configuration keys whose environment value is a
// comma-separated list.
var listKeys = map[string]bool{
	"docker.upstreams": true,
	"maven.proxies":    true,
}

// Load reads the configuration file at path (missing files fall back
// to defaults), applies NORA_* environment overrides and returns the
// merged configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load configuration file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	if err := k.Load(env.ProviderWithValue("NORA_", ".", func(name, value string) (string, interface{}) {
		key, ok := envKeys[name]
		if !ok {
			return "", nil
		}
		if listKeys[key] {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.applySecrets()
	return cfg, nil
}

// applySecrets finalizes credential handling. With the env provider
// the credentials are already merged; clear_env additionally scrubs
// them from the process environment.
func (c *Config) applySecrets() {
	if !c.Secrets.ClearEnv {
		return
	}
	for _, name := range []string{"NORA_STORAGE_S3_ACCESS_KEY", "NORA_STORAGE_S3_SECRET_KEY"} {
		os.Unsetenv(name)
	}
}

// LogLevel parses the configured log level, defaulting to info.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
