package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/jaspr/jaspr/internal/domain/session"
)

type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string `mapstructure:"DEFAULT_TENANT"`

	RevocationBackend   string        `mapstructure:"REVOCATION_BACKEND"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	RevocationRetention time.Duration `mapstructure:"REVOCATION_RETENTION"`
	RevocationQueueSize int           `mapstructure:"REVOCATION_QUEUE_SIZE"`

	TokenPepper        string        `mapstructure:"TOKEN_PEPPER"`
	SessionSweepPeriod time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`

	TechnicianERValidity       time.Duration `mapstructure:"SESSION_TECHNICIAN_ER_VALIDITY"`
	TechnicianERMinRefresh     time.Duration `mapstructure:"SESSION_TECHNICIAN_ER_MIN_REFRESH"`
	PatientERValidity          time.Duration `mapstructure:"SESSION_PATIENT_ER_VALIDITY"`
	PatientERMinRefresh        time.Duration `mapstructure:"SESSION_PATIENT_ER_MIN_REFRESH"`
	PatientHomeValidity        time.Duration `mapstructure:"SESSION_PATIENT_HOME_VALIDITY"`
	PatientHomeMinRefresh      time.Duration `mapstructure:"SESSION_PATIENT_HOME_MIN_REFRESH"`
	PatientLongLivedValidity   time.Duration `mapstructure:"SESSION_PATIENT_LONG_LIVED_VALIDITY"`
	PatientLongLivedMinRefresh time.Duration `mapstructure:"SESSION_PATIENT_LONG_LIVED_MIN_REFRESH"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT",
	"REVOCATION_BACKEND", "REDIS_URL", "REVOCATION_RETENTION", "REVOCATION_QUEUE_SIZE",
	"TOKEN_PEPPER", "SESSION_SWEEP_INTERVAL",
	"SESSION_TECHNICIAN_ER_VALIDITY", "SESSION_TECHNICIAN_ER_MIN_REFRESH",
	"SESSION_PATIENT_ER_VALIDITY", "SESSION_PATIENT_ER_MIN_REFRESH",
	"SESSION_PATIENT_HOME_VALIDITY", "SESSION_PATIENT_HOME_MIN_REFRESH",
	"SESSION_PATIENT_LONG_LIVED_VALIDITY", "SESSION_PATIENT_LONG_LIVED_MIN_REFRESH",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	policy := session.DefaultPolicyConfig()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("SQLITE_PATH", "jaspr.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("REVOCATION_BACKEND", "database")
	v.SetDefault("REVOCATION_RETENTION", 30*24*time.Hour)
	v.SetDefault("REVOCATION_QUEUE_SIZE", 1024)
	v.SetDefault("SESSION_SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("SESSION_TECHNICIAN_ER_VALIDITY", policy.TechnicianER.Validity)
	v.SetDefault("SESSION_TECHNICIAN_ER_MIN_REFRESH", policy.TechnicianER.MinRefresh)
	v.SetDefault("SESSION_PATIENT_ER_VALIDITY", policy.PatientER.Validity)
	v.SetDefault("SESSION_PATIENT_ER_MIN_REFRESH", policy.PatientER.MinRefresh)
	v.SetDefault("SESSION_PATIENT_HOME_VALIDITY", policy.PatientHome.Validity)
	v.SetDefault("SESSION_PATIENT_HOME_MIN_REFRESH", policy.PatientHome.MinRefresh)
	v.SetDefault("SESSION_PATIENT_LONG_LIVED_VALIDITY", policy.PatientLongLived.Validity)
	v.SetDefault("SESSION_PATIENT_LONG_LIVED_MIN_REFRESH", policy.PatientLongLived.MinRefresh)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsSQLite reports whether the embedded single-node store is selected.
func (c *Config) IsSQLite() bool {
	return c.DatabaseDriver == "sqlite"
}

// Policy returns the lifetime table built from the SESSION_* keys.
func (c *Config) Policy() session.PolicyConfig {
	return session.PolicyConfig{
		TechnicianER:     session.Lifetime{Validity: c.TechnicianERValidity, MinRefresh: c.TechnicianERMinRefresh},
		PatientER:        session.Lifetime{Validity: c.PatientERValidity, MinRefresh: c.PatientERMinRefresh},
		PatientHome:      session.Lifetime{Validity: c.PatientHomeValidity, MinRefresh: c.PatientHomeMinRefresh},
		PatientLongLived: session.Lifetime{Validity: c.PatientLongLivedValidity, MinRefresh: c.PatientLongLivedMinRefresh},
	}
}

// Pepper decodes TOKEN_PEPPER. An empty pepper means plain SHA-512 digests.
func (c *Config) Pepper() ([]byte, error) {
	if c.TokenPepper == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.TokenPepper)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_PEPPER is not valid hex: %w", err)
	}
	return b, nil
}

// ZerologLevel parses LOG_LEVEL, falling back to info.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is \"postgres\"")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is \"sqlite\"")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be \"postgres\" or \"sqlite\", got %q", c.DatabaseDriver)
	}

	switch c.RevocationBackend {
	case "database", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REVOCATION_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("REVOCATION_BACKEND must be \"database\", \"redis\", or \"memory\", got %q", c.RevocationBackend)
	}
	if c.RevocationRetention <= 0 {
		return fmt.Errorf("REVOCATION_RETENTION must be positive, got %s", c.RevocationRetention)
	}
	if c.RevocationQueueSize <= 0 {
		return fmt.Errorf("REVOCATION_QUEUE_SIZE must be positive, got %d", c.RevocationQueueSize)
	}
	if c.SessionSweepPeriod < 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must not be negative, got %s", c.SessionSweepPeriod)
	}

	pepper, err := c.Pepper()
	if err != nil {
		return err
	}
	if c.IsProduction() && len(pepper) < 32 {
		return fmt.Errorf("TOKEN_PEPPER of at least 32 bytes is required in production")
	}

	if _, err := session.NewPolicy(c.Policy()); err != nil {
		return fmt.Errorf("session policy: %w", err)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
