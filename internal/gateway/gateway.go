// Package gateway runs an inbound model call through authentication,
// routing, the channel circuit breaker, body conversion, the upstream call
// and bookkeeping.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/quota"
	"github.com/felipepmaragno/omnikit/internal/ratelimit"
	"github.com/felipepmaragno/omnikit/internal/router"
	"github.com/felipepmaragno/omnikit/internal/rules"
	"github.com/felipepmaragno/omnikit/internal/upstream"
)

// DefaultBodyLimit caps the response body kept in a request log.
const DefaultBodyLimit = 64 << 10

type TokenStore interface {
	GetToken(ctx context.Context, id string) (*domain.Token, error)
	GetTokenByKey(ctx context.Context, key string) (*domain.Token, error)
	AddUsage(ctx context.Context, id string, units int64) error
}

type LogReader interface {
	GetLog(ctx context.Context, id string) (*domain.RequestLog, error)
}

type Resolver interface {
	Resolve(ctx context.Context, publicName string) (*router.Route, error)
	PickKey(ctx context.Context, ch *domain.Channel) (router.Key, error)
}

type RuleLookup interface {
	Lookup(pair domain.Pair) (*rules.Compiled, bool)
}

type Breakers interface {
	Get(channelID string) circuitbreaker.CircuitBreaker
}

type LogWriter interface {
	Write(ctx context.Context, l *domain.RequestLog)
}

type Config struct {
	Tokens    TokenStore
	Logs      LogReader
	Router    Resolver
	Rules     RuleLookup
	Breakers  Breakers
	Limiter   ratelimit.RateLimiter
	Transport upstream.Transport
	Logbook   LogWriter
	// Quota is optional.
	Quota     *quota.Monitor
	BodyLimit int
	// BookkeepingTimeout bounds usage and log writes after the client is
	// answered.
	BookkeepingTimeout time.Duration
	Logger             *slog.Logger
}

type Dispatcher struct {
	tokens    TokenStore
	logs      LogReader
	router    Resolver
	rules     RuleLookup
	breakers  Breakers
	limiter   ratelimit.RateLimiter
	transport upstream.Transport
	logbook   LogWriter
	quota     *quota.Monitor
	bodyLimit int
	keepTime  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		tokens:    cfg.Tokens,
		logs:      cfg.Logs,
		router:    cfg.Router,
		rules:     cfg.Rules,
		breakers:  cfg.Breakers,
		limiter:   cfg.Limiter,
		transport: cfg.Transport,
		logbook:   cfg.Logbook,
		quota:     cfg.Quota,
		bodyLimit: cfg.BodyLimit,
		keepTime:  cfg.BookkeepingTimeout,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}
