package gateauth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/MrEthical07/gateauth/internal/rate"
	"github.com/MrEthical07/gateauth/jwt"
	"github.com/MrEthical07/gateauth/password"
	"github.com/MrEthical07/gateauth/refresh"
	"github.com/MrEthical07/gateauth/store"
	"github.com/redis/go-redis/v9"
)

// dummyPassword is hashed once at Build; logins for unknown emails verify
// against its digest.
const dummyPassword = "gateauth-dummy-password-for-timing"

// Builder assembles an Engine. A Builder can be built once.
type Builder struct {
	config Config
	store  store.Store
	redis  redis.UniversalClient

	mailer    Mailer
	logger    *slog.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the persistence backend. It is required.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithRedis moves rate-limit counters into Redis so that replicas share them.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces time.Now for token issuance, expiry checks and limits.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, compiles the route table and wires
// every component. Nothing touches the store until the first Engine call.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	routes, err := cfg.compileRoutes()
	if err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	hasher, err := newHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	dummy, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		MaxFutureIAT:  cfg.JWT.MaxFutureIAT,
		KeyID:         cfg.JWT.KeyID,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	rm, err := refresh.NewManager(refresh.Config{
		Key: cloneBytes(cfg.Refresh.Key),
		TTL: cfg.Refresh.TTL,
		Now: now,
	}, b.store)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:    cfg,
		store:     b.store,
		jwt:       jm,
		refresh:   rm,
		hasher:    hasher,
		routes:    routes,
		mailer:    b.mailer,
		logger:    logger,
		now:       now,
		dummyHash: dummy,
	}
	if cfg.RateLimit.Enabled {
		engine.limiter = newRateLimiter(cfg.RateLimit, b.redis, now)
	}
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.flows = engine.buildFlowDeps()

	b.built = true

	return engine, nil
}

func newHasher(cfg PasswordConfig) (password.Hasher, error) {
	argon, err := password.NewArgon2(password.Config{
		Memory:           cfg.Memory,
		Time:             cfg.Time,
		Parallelism:      cfg.Parallelism,
		SaltLength:       cfg.SaltLength,
		KeyLength:        cfg.KeyLength,
		MaxPasswordBytes: cfg.Policy.MaxBytes,
	})
	if err != nil {
		return nil, err
	}
	bc, err := password.NewBcrypt(cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	if cfg.Algorithm == "bcrypt" {
		return password.NewMulti(bc, argon), nil
	}
	return password.NewMulti(argon, bc), nil
}

func newRateLimiter(cfg RateLimitConfig, client redis.UniversalClient, now func() time.Time) *rate.Limiter {
	var backend rate.Backend
	if client != nil {
		backend = rate.NewRedis(client, cfg.RedisPrefix)
	} else {
		backend = rate.NewLocal(now)
	}
	policy := func(p RatePolicy) rate.Policy { return rate.Policy{Max: p.Max, Window: p.Window} }
	return rate.New(backend, rate.Config{
		Login:             policy(cfg.Login),
		Register:          policy(cfg.Register),
		PasswordReset:     policy(cfg.PasswordReset),
		EmailVerification: policy(cfg.EmailVerification),
		PerIP:             cfg.PerIP,
	})
}
