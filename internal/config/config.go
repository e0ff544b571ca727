package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config captures runtime configuration sourced from an optional YAML file
// and environment variables. Environment always wins over the file.
type Config struct {
	Environment  string `yaml:"environment"`
	HTTPPort     string `yaml:"http_port"`
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`

	// Nginx control
	NginxBinary   string        `yaml:"nginx_binary"`
	NginxMode     string        `yaml:"nginx_mode"` // "direct" or "signal"
	NginxTimeout  time.Duration `yaml:"nginx_timeout"`
	NginxErrorLog string        `yaml:"nginx_error_log"`

	// ACME
	CertbotBinary    string        `yaml:"certbot_binary"`
	ACMETimeout      time.Duration `yaml:"acme_timeout"`
	ACMEChallengeDir string        `yaml:"acme_challenge_dir"`

	// WAF ingestion
	AuditLogPaths []string `yaml:"audit_log_paths"`

	// Fallback key material when the jwt_secret setting is absent.
	JWTSecret string `yaml:"jwt_secret"`

	// Worker cadence
	BanFlushInterval time.Duration `yaml:"ban_flush_interval"`
	BanSyncInterval  time.Duration `yaml:"ban_sync_interval"`
}

// Load builds the configuration: defaults, then AEGIS_CONFIG_FILE (YAML) when
// present, then environment overrides, so the daemon can boot with zero
// configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:      "development",
		HTTPPort:         "8080",
		DataDir:          "data",
		NginxBinary:      "nginx",
		NginxMode:        "direct",
		NginxTimeout:     5 * time.Second,
		CertbotBinary:    "certbot",
		ACMETimeout:      300 * time.Second,
		BanFlushInterval: 5 * time.Second,
		BanSyncInterval:  5 * time.Minute,
	}

	if path := os.Getenv("AEGIS_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Environment = getEnv("AEGIS_ENV", cfg.Environment)
	cfg.HTTPPort = getEnv("AEGIS_HTTP_PORT", cfg.HTTPPort)
	cfg.DataDir = getEnv("AEGIS_DATA_DIR", cfg.DataDir)
	cfg.DatabasePath = getEnv("AEGIS_DB_PATH", cfg.DatabasePath)
	cfg.NginxBinary = getEnv("AEGIS_NGINX_BINARY", cfg.NginxBinary)
	cfg.NginxMode = getEnv("AEGIS_NGINX_MODE", cfg.NginxMode)
	cfg.NginxTimeout = getEnvDuration("AEGIS_NGINX_TIMEOUT", cfg.NginxTimeout)
	cfg.NginxErrorLog = getEnv("AEGIS_NGINX_ERROR_LOG", cfg.NginxErrorLog)
	cfg.CertbotBinary = getEnv("AEGIS_CERTBOT_BINARY", cfg.CertbotBinary)
	cfg.ACMETimeout = getEnvDuration("AEGIS_ACME_TIMEOUT", cfg.ACMETimeout)
	cfg.ACMEChallengeDir = getEnv("AEGIS_ACME_CHALLENGE_DIR", cfg.ACMEChallengeDir)
	cfg.JWTSecret = getEnv("AEGIS_JWT_SECRET", cfg.JWTSecret)
	cfg.BanFlushInterval = getEnvDuration("AEGIS_BAN_FLUSH_INTERVAL", cfg.BanFlushInterval)
	cfg.BanSyncInterval = getEnvDuration("AEGIS_BAN_SYNC_INTERVAL", cfg.BanSyncInterval)

	if paths := os.Getenv("AEGIS_AUDIT_LOG_PATHS"); paths != "" {
		cfg.AuditLogPaths = splitList(paths)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "aegis.db")
	}
	if cfg.ACMEChallengeDir == "" {
		cfg.ACMEChallengeDir = filepath.Join(cfg.DataDir, "acme-challenge")
	}
	if cfg.NginxErrorLog == "" {
		cfg.NginxErrorLog = filepath.Join(cfg.DataDir, "logs", "nginx-error.log")
	}
	if len(cfg.AuditLogPaths) == 0 {
		cfg.AuditLogPaths = []string{filepath.Join(cfg.DataDir, "logs", "modsec_audit.log")}
	}
	if cfg.NginxMode != "direct" && cfg.NginxMode != "signal" {
		return Config{}, fmt.Errorf("invalid nginx mode %q (want direct or signal)", cfg.NginxMode)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// ConfDir is the directory holding generated nginx server configs.
func (c Config) ConfDir() string { return filepath.Join(c.DataDir, "conf") }

// ModulesDir holds the standalone module snippet files.
func (c Config) ModulesDir() string { return filepath.Join(c.ConfDir(), "modules") }

// ModsecProfilesDir holds materialized WAF profile and exclusion files.
func (c Config) ModsecProfilesDir() string { return filepath.Join(c.ConfDir(), "modsec-profiles") }

// SSLDir holds certificate and key files referenced by generated configs.
func (c Config) SSLDir() string { return filepath.Join(c.DataDir, "ssl") }

// LetsEncryptDir returns one of the ACME client working directories
// (sub is "config", "work" or "logs").
func (c Config) LetsEncryptDir(sub string) string {
	return filepath.Join(c.DataDir, "letsencrypt", sub)
}

// CredentialsDir holds transient DNS provider credential files.
func (c Config) CredentialsDir() string { return filepath.Join(c.DataDir, "certbot-credentials") }

// ErrorPagesDir holds the static error pages served by the default server.
func (c Config) ErrorPagesDir() string { return filepath.Join(c.DataDir, "error-pages") }

// LogsDir holds process and audit logs.
func (c Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

// EnsureDataLayout creates the on-disk layout under the data root. ACME and
// credential directories are restricted to the daemon user.
func EnsureDataLayout(c Config) error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{c.ConfDir(), 0o755},
		{c.ModulesDir(), 0o755},
		{c.ModsecProfilesDir(), 0o755},
		{c.SSLDir(), 0o755},
		{c.LetsEncryptDir("config"), 0o700},
		{c.LetsEncryptDir("work"), 0o700},
		{c.LetsEncryptDir("logs"), 0o700},
		{c.CredentialsDir(), 0o700},
		{c.ErrorPagesDir(), 0o755},
		{c.LogsDir(), 0o755},
		{c.ACMEChallengeDir, 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	// Plain integers are treated as seconds.
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
