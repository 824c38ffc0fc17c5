// Package config loads GhostInbox configuration from a YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ghostinbox/ghostinbox/pkg/logging"
	"github.com/ghostinbox/ghostinbox/pkg/security"
)

// Config is the complete configuration shared by all binaries.
type Config struct {
	Domain      string         `yaml:"domain"`
	Destination string         `yaml:"destination"` // the real mailbox
	Database    DatabaseConfig `yaml:"database"`
	Security    SecurityConfig `yaml:"security"`
	Sendmail    SendmailConfig `yaml:"sendmail"`
	Admin       AdminConfig    `yaml:"admin"`
	Log         LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the SQLite files.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	SecurityPath string `yaml:"security_path"` // empty = same file as Path
}

// SecurityConfig holds the mitigation policy and enforcement settings.
type SecurityConfig struct {
	security.Policy `yaml:",inline"`

	PacketFilter    string        `yaml:"packet_filter"` // "iptables" or "none"
	IPTablesPath    string        `yaml:"iptables_path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SendmailConfig configures outgoing delivery.
type SendmailConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig configures the admin API served by cmd/server.
type AdminConfig struct {
	Addr         string        `yaml:"addr"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`      // plaintext, hashed at startup
	PasswordHash string        `yaml:"password_hash"` // argon2id hash, preferred over Password
	JWTSecret    string        `yaml:"jwt_secret"`    // empty = random per process
	TokenTTL     time.Duration `yaml:"token_ttl"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	SMTPAddr     string        `yaml:"smtp_addr"` // dialed by the health check
	MetricsLog   time.Duration `yaml:"metrics_log_interval"`

	// TrustedProxies are addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // security log, appended alongside stderr
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Domain:      "example.com",
		Destination: "you@example.com",
		Database: DatabaseConfig{
			Path: "/data/aliases.db",
		},
		Security: SecurityConfig{
			Policy:          security.DefaultPolicy(),
			PacketFilter:    "none",
			IPTablesPath:    "iptables",
			CleanupInterval: 5 * time.Minute,
		},
		Sendmail: SendmailConfig{
			Path: "/usr/sbin/sendmail",
		},
		Admin: AdminConfig{
			Addr:       ":8080",
			User:       "admin",
			TokenTTL:   24 * time.Hour,
			SMTPAddr:   "127.0.0.1:25",
			MetricsLog: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadFromEnv loads a .env file from the working directory if present,
// then the YAML file at path, then applies environment overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	set("MY_DOMAIN", &c.Domain)
	set("REAL_EMAIL", &c.Destination)
	set("DB_PATH", &c.Database.Path)
	set("SECURITY_DB_PATH", &c.Database.SecurityPath)
	set("SENDMAIL_PATH", &c.Sendmail.Path)
	set("PACKET_FILTER", &c.Security.PacketFilter)
	set("ADMIN_ADDR", &c.Admin.Addr)
	set("ADMIN_USER", &c.Admin.User)
	set("ADMIN_PASSWORD", &c.Admin.Password)
	set("ADMIN_PASSWORD_HASH", &c.Admin.PasswordHash)
	set("JWT_SECRET", &c.Admin.JWTSecret)
	set("LOG_LEVEL", &c.Log.Level)
	set("LOG_FORMAT", &c.Log.Format)
	set("SECURITY_LOG_FILE", &c.Log.File)

	if v, ok := lookup("TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		c.Admin.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Admin.TrustedProxies = append(c.Admin.TrustedProxies, p)
			}
		}
	}
}

// SecurityDBPath returns the ledger database path.
func (c *Config) SecurityDBPath() string {
	if c.Database.SecurityPath != "" {
		return c.Database.SecurityPath
	}
	return c.Database.Path
}

// Validate checks the settings every binary depends on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Domain) == "" {
		errs = append(errs, errors.New("config: domain is required"))
	}
	if !strings.Contains(c.Destination, "@") {
		errs = append(errs, fmt.Errorf("config: destination %q is not an email address", c.Destination))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("config: database.path is required"))
	}
	if err := c.Security.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := security.NewPacketFilter(c.Security.PacketFilter, c.Security.IPTablesPath); err != nil {
		errs = append(errs, err)
	}
	if c.Security.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: security.cleanup_interval must be positive, got %s", c.Security.CleanupInterval))
	}
	if err := logging.Validate(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	return errors.Join(errs...)
}

// ValidateAdmin checks the settings needed to serve the admin API.
func (c *Config) ValidateAdmin() error {
	var errs []error
	if c.Admin.Addr == "" {
		errs = append(errs, errors.New("config: admin.addr is required"))
	}
	if c.Admin.User == "" {
		errs = append(errs, errors.New("config: admin.user is required"))
	}
	if c.Admin.Password == "" && c.Admin.PasswordHash == "" {
		errs = append(errs, errors.New("config: admin.password or admin.password_hash is required"))
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		errs = append(errs, errors.New("config: admin.jwt_secret must be at least 32 characters"))
	}
	if c.Admin.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: admin.token_ttl must be positive, got %s", c.Admin.TokenTTL))
	}
	return errors.Join(errs...)
}
