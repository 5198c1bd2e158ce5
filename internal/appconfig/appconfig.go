// Package appconfig loads the gateauth server configuration from a YAML file,
// an optional .env file and GATEAUTH_* environment variables, in that order
// of increasing precedence.
package appconfig

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrEthical07/gateauth"
	"github.com/MrEthical07/gateauth/password"
	"github.com/MrEthical07/gateauth/permission"
)

const envPrefix = "GATEAUTH_"

// File is the on-disk configuration.
type File struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Mail   MailConfig   `yaml:"mail"`
	Log    LogConfig    `yaml:"log"`
	Auth   AuthConfig   `yaml:"auth"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsPath     string        `yaml:"metrics_path"`
}

// StoreConfig selects the persistence backend: memory, redis or postgres.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// MailConfig selects the delivery backend: log or nats.
type MailConfig struct {
	Driver        string `yaml:"driver"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig mirrors gateauth.Config with YAML names. Keys are plain strings;
// a "base64:" prefix marks a base64-encoded value.
type AuthConfig struct {
	JWT struct {
		AccessTTL     time.Duration `yaml:"access_ttl"`
		SigningMethod string        `yaml:"signing_method"`
		Key           string        `yaml:"key"`
		PublicKey     string        `yaml:"public_key"`
		Issuer        string        `yaml:"issuer"`
		Audience      string        `yaml:"audience"`
		Leeway        time.Duration `yaml:"leeway"`
		KeyID         string        `yaml:"key_id"`
	} `yaml:"jwt"`
	Refresh struct {
		TTL time.Duration `yaml:"ttl"`
		Key string        `yaml:"key"`
	} `yaml:"refresh"`
	Password struct {
		Algorithm      string `yaml:"algorithm"`
		Memory         uint32 `yaml:"memory_kib"`
		Time           uint32 `yaml:"time"`
		Parallelism    uint8  `yaml:"parallelism"`
		BcryptCost     int    `yaml:"bcrypt_cost"`
		UpgradeOnLogin bool   `yaml:"upgrade_on_login"`
		Policy         struct {
			MinLength      int  `yaml:"min_length"`
			MaxBytes       int  `yaml:"max_bytes"`
			RequireUpper   bool `yaml:"require_upper"`
			RequireLower   bool `yaml:"require_lower"`
			RequireDigit   bool `yaml:"require_digit"`
			RequireSpecial bool `yaml:"require_special"`
		} `yaml:"policy"`
	} `yaml:"password"`
	PasswordReset struct {
		Enabled bool          `yaml:"enabled"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"password_reset"`
	EmailVerification struct {
		Enabled         bool          `yaml:"enabled"`
		TTL             time.Duration `yaml:"ttl"`
		RequireForLogin bool          `yaml:"require_for_login"`
	} `yaml:"email_verification"`
	RBAC struct {
		Roles       []string          `yaml:"roles"`
		DefaultRole string            `yaml:"default_role"`
		Routes      []permission.Rule `yaml:"routes"`
	} `yaml:"rbac"`
	RateLimit struct {
		Enabled           bool       `yaml:"enabled"`
		PerIP             bool       `yaml:"per_ip"`
		Login             RatePolicy `yaml:"login"`
		Register          RatePolicy `yaml:"register"`
		PasswordReset     RatePolicy `yaml:"password_reset"`
		EmailVerification RatePolicy `yaml:"email_verification"`
	} `yaml:"rate_limit"`
	Audit struct {
		Enabled    bool `yaml:"enabled"`
		BufferSize int  `yaml:"buffer_size"`
	} `yaml:"audit"`
	Metrics struct {
		Enabled           bool `yaml:"enabled"`
		LatencyHistograms bool `yaml:"latency_histograms"`
	} `yaml:"metrics"`
}

type RatePolicy struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Default returns the server defaults: in-memory store, log mailer and the
// engine defaults without keys.
func Default() *File {
	f := &File{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second, MetricsPath: "/metrics"},
		Store:  StoreConfig{Driver: "memory", RedisAddr: "localhost:6379", RedisPrefix: "gateauth"},
		Mail:   MailConfig{Driver: "log"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}

	d := gateauth.DefaultConfig()
	a := &f.Auth
	a.JWT.AccessTTL = d.JWT.AccessTTL
	a.JWT.SigningMethod = d.JWT.SigningMethod
	a.JWT.Issuer = d.JWT.Issuer
	a.JWT.Leeway = d.JWT.Leeway
	a.Refresh.TTL = d.Refresh.TTL
	a.Password.Algorithm = d.Password.Algorithm
	a.Password.Memory = d.Password.Memory
	a.Password.Time = d.Password.Time
	a.Password.Parallelism = d.Password.Parallelism
	a.Password.BcryptCost = d.Password.BcryptCost
	a.Password.UpgradeOnLogin = d.Password.UpgradeOnLogin
	a.Password.Policy.MinLength = d.Password.Policy.MinLength
	a.Password.Policy.MaxBytes = d.Password.Policy.MaxBytes
	a.Password.Policy.RequireUpper = d.Password.Policy.RequireUpper
	a.Password.Policy.RequireLower = d.Password.Policy.RequireLower
	a.Password.Policy.RequireDigit = d.Password.Policy.RequireDigit
	a.Password.Policy.RequireSpecial = d.Password.Policy.RequireSpecial
	a.PasswordReset.Enabled = d.PasswordReset.Enabled
	a.PasswordReset.TTL = d.PasswordReset.TTL
	a.EmailVerification.Enabled = d.EmailVerification.Enabled
	a.EmailVerification.TTL = d.EmailVerification.TTL
	a.EmailVerification.RequireForLogin = d.EmailVerification.RequireForLogin
	a.RBAC.Roles = d.RBAC.Roles
	a.RBAC.DefaultRole = d.RBAC.DefaultRole
	a.RateLimit.Enabled = d.RateLimit.Enabled
	a.RateLimit.PerIP = d.RateLimit.PerIP
	a.RateLimit.Login = RatePolicy(d.RateLimit.Login)
	a.RateLimit.Register = RatePolicy(d.RateLimit.Register)
	a.RateLimit.PasswordReset = RatePolicy(d.RateLimit.PasswordReset)
	a.RateLimit.EmailVerification = RatePolicy(d.RateLimit.EmailVerification)
	a.Audit.Enabled = d.Audit.Enabled
	a.Audit.BufferSize = d.Audit.BufferSize
	a.Metrics.Enabled = d.Metrics.Enabled
	a.Metrics.LatencyHistograms = d.Metrics.EnableLatencyHistograms
	return f
}

// Options says where to look. Empty paths are skipped.
type Options struct {
	Path    string
	EnvFile string
}

// Load reads the YAML file over the defaults, loads EnvFile into the process
// environment without overriding variables already set, and applies GATEAUTH_*
// overrides.
func Load(opts Options) (*File, error) {
	f := Default()

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", opts.Path, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := f.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("ADDR", &f.Server.Addr)
	str("STORE_DRIVER", &f.Store.Driver)
	str("REDIS_ADDR", &f.Store.RedisAddr)
	str("REDIS_PASSWORD", &f.Store.RedisPassword)
	str("POSTGRES_DSN", &f.Store.PostgresDSN)
	str("MAIL_DRIVER", &f.Mail.Driver)
	str("NATS_URL", &f.Mail.NATSURL)
	str("LOG_LEVEL", &f.Log.Level)
	str("JWT_KEY", &f.Auth.JWT.Key)
	str("JWT_ISSUER", &f.Auth.JWT.Issuer)
	str("REFRESH_KEY", &f.Auth.Refresh.Key)

	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", envPrefix, err)
		}
		f.Store.RedisDB = n
	}
	if v, ok := lookup(envPrefix + "ACCESS_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sACCESS_TTL: %w", envPrefix, err)
		}
		f.Auth.JWT.AccessTTL = d
	}
	if v, ok := lookup(envPrefix + "REFRESH_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREFRESH_TTL: %w", envPrefix, err)
		}
		f.Auth.Refresh.TTL = d
	}
	return nil
}

// Engine converts the auth section into a gateauth.Config. It does not
// validate; Builder.Build does.
func (f *File) Engine() (gateauth.Config, error) {
	a := f.Auth
	cfg := gateauth.DefaultConfig()

	privateKey, err := decodeKey(a.JWT.Key)
	if err != nil {
		return cfg, fmt.Errorf("jwt key: %w", err)
	}
	publicKey, err := decodeKey(a.JWT.PublicKey)
	if err != nil {
		return cfg, fmt.Errorf("jwt public key: %w", err)
	}
	refreshKey, err := decodeKey(a.Refresh.Key)
	if err != nil {
		return cfg, fmt.Errorf("refresh key: %w", err)
	}

	cfg.JWT.AccessTTL = a.JWT.AccessTTL
	cfg.JWT.SigningMethod = a.JWT.SigningMethod
	cfg.JWT.PrivateKey = privateKey
	cfg.JWT.PublicKey = publicKey
	cfg.JWT.Issuer = a.JWT.Issuer
	cfg.JWT.Audience = a.JWT.Audience
	cfg.JWT.Leeway = a.JWT.Leeway
	cfg.JWT.KeyID = a.JWT.KeyID
	cfg.Refresh.TTL = a.Refresh.TTL
	cfg.Refresh.Key = refreshKey

	cfg.Password.Algorithm = a.Password.Algorithm
	cfg.Password.Memory = a.Password.Memory
	cfg.Password.Time = a.Password.Time
	cfg.Password.Parallelism = a.Password.Parallelism
	cfg.Password.BcryptCost = a.Password.BcryptCost
	cfg.Password.UpgradeOnLogin = a.Password.UpgradeOnLogin
	cfg.Password.Policy = password.Policy(a.Password.Policy)

	cfg.PasswordReset.Enabled = a.PasswordReset.Enabled
	cfg.PasswordReset.TTL = a.PasswordReset.TTL
	cfg.EmailVerification.Enabled = a.EmailVerification.Enabled
	cfg.EmailVerification.TTL = a.EmailVerification.TTL
	cfg.EmailVerification.RequireForLogin = a.EmailVerification.RequireForLogin

	cfg.RBAC.Roles = a.RBAC.Roles
	cfg.RBAC.DefaultRole = a.RBAC.DefaultRole
	cfg.RBAC.Routes = a.RBAC.Routes

	cfg.RateLimit.Enabled = a.RateLimit.Enabled
	cfg.RateLimit.PerIP = a.RateLimit.PerIP
	cfg.RateLimit.RedisPrefix = f.Store.RedisPrefix + ":rl:"
	cfg.RateLimit.Login = gateauth.RatePolicy(a.RateLimit.Login)
	cfg.RateLimit.Register = gateauth.RatePolicy(a.RateLimit.Register)
	cfg.RateLimit.PasswordReset = gateauth.RatePolicy(a.RateLimit.PasswordReset)
	cfg.RateLimit.EmailVerification = gateauth.RatePolicy(a.RateLimit.EmailVerification)

	cfg.Audit.Enabled = a.Audit.Enabled
	cfg.Audit.BufferSize = a.Audit.BufferSize
	cfg.Metrics.Enabled = a.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = a.Metrics.LatencyHistograms
	return cfg, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(s, "base64:"); ok {
		return base64.StdEncoding.DecodeString(rest)
	}
	return []byte(s), nil
}

// Logger builds the process logger from the log section.
func (f *File) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch f.Log.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.New("log format must be text or json")
	}
}
