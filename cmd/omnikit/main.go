package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/omnikit/internal/api"
	"github.com/felipepmaragno/omnikit/internal/auth"
	"github.com/felipepmaragno/omnikit/internal/cache"
	"github.com/felipepmaragno/omnikit/internal/circuitbreaker"
	"github.com/felipepmaragno/omnikit/internal/config"
	"github.com/felipepmaragno/omnikit/internal/crypto"
	"github.com/felipepmaragno/omnikit/internal/gateway"
	"github.com/felipepmaragno/omnikit/internal/metrics"
	"github.com/felipepmaragno/omnikit/internal/notifications"
	"github.com/felipepmaragno/omnikit/internal/queue"
	"github.com/felipepmaragno/omnikit/internal/quota"
	"github.com/felipepmaragno/omnikit/internal/ratelimit"
	"github.com/felipepmaragno/omnikit/internal/repository"
	"github.com/felipepmaragno/omnikit/internal/router"
	"github.com/felipepmaragno/omnikit/internal/rules"
	"github.com/felipepmaragno/omnikit/internal/secrets"
	"github.com/felipepmaragno/omnikit/internal/telemetry"
	"github.com/felipepmaragno/omnikit/internal/upstream"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting omnikit", "addr", cfg.Addr, "version", version, "store", cfg.Store, "config_file", cfg.ConfigFile)

	if err := run(cfg); err != nil {
		slog.Error("omnikit stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics.InitInstanceMetrics(version)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		slog.Info("connected to redis")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	seeded, err := rules.Seed(ctx, store, time.Now())
	if err != nil {
		return fmt.Errorf("seed system rules: %w", err)
	}
	if seeded {
		slog.Info("seeded system conversion rules")
	}

	registry := rules.NewRegistry(store, slog.Default())
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("load rule registry: %w", err)
	}
	slog.Info("rule registry loaded", "rules", registry.Len())

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			return fmt.Errorf("create sns notifier: %w", err)
		}
		notifier = sns
		slog.Info("using sns notifier", "topic", cfg.SNSTopicARN)
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithTransitionHook(func(channelID string, from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(channelID, int(to))
			notifications.BreakerTransition(notifier, channelID, from, to)
		}),
	}
	if cfg.UseDistributedCircuitBreaker {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(rdb))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	}, breakerOpts...)

	var (
		limiter    ratelimit.RateLimiter
		mappingKV  cache.Cache
		dedup      quota.AlertDeduplicator
		checkers   = []api.HealthChecker{api.NewStoreHealthChecker(store, cfg.Store)}
		secretsSrc secrets.SecretStore
		spill      queue.Queue
	)
	if rdb != nil {
		limiter = ratelimit.NewRedisRateLimiter(rdb)
		mappingKV = cache.NewRedisCache(rdb, cache.RedisMappingPrefix)
		dedup = quota.NewRedisDeduplicator(rdb, time.Hour)
		checkers = append(checkers, api.NewRedisHealthChecker(rdb))
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		mappingKV = cache.NewInMemoryCache()
		dedup = quota.NewInMemoryDeduplicator()
	}
	mappings := cache.NewMappingCache(store, mappingKV, cfg.MappingCacheTTL)

	if cfg.SecretsBackend == "aws" {
		sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			return fmt.Errorf("create secrets manager: %w", err)
		}
		secretsSrc = sm
		slog.Info("using aws secrets manager for channel keys")
	} else {
		secretsSrc = secrets.NewInMemorySecretStore()
	}

	if cfg.LogSpillQueueURL != "" {
		sqs, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.LogSpillQueueURL)
		if err != nil {
			return fmt.Errorf("create spill queue: %w", err)
		}
		spill = sqs
		slog.Info("using sqs log spill queue", "url", cfg.LogSpillQueueURL)
	} else {
		spill = queue.NewInMemoryQueue()
	}

	quotaMonitor := quota.NewMonitor(dedup, quota.DefaultThresholds())
	quotaMonitor.OnAlert(notifications.QuotaAlertHandler(notifier))

	clientCfg := upstream.DefaultClientConfig()
	clientCfg.ResponseHeaderTimeout = cfg.UpstreamTimeout
	transport := &upstream.Router{
		HTTP:    upstream.NewHTTPTransport(upstream.NewClient(clientCfg)),
		Bedrock: upstream.NewBedrockTransport(nil),
	}

	logbook := gateway.NewLogbook(store, spill, notifier, slog.Default())
	dispatcher := gateway.New(gateway.Config{
		Tokens:    store,
		Logs:      store,
		Router:    router.New(mappings, store, secretsSrc),
		Rules:     registry,
		Breakers:  breakers,
		Limiter:   limiter,
		Transport: transport,
		Logbook:   logbook,
		Quota:     quotaMonitor,
		BodyLimit: cfg.LogBodyLimit,
		Logger:    slog.Default(),
	})

	authMW, err := adminAuth(cfg)
	if err != nil {
		return err
	}

	admin := api.NewAdminHandler(api.AdminConfig{
		Store:     store,
		Registry:  registry,
		RuleStore: rules.NewStoreClient(cfg.RuleStoreURL, nil),
		Mappings:  mappings,
		Breakers:  breakers,
		Retrier:   dispatcher,
		Quota:     quotaMonitor,
		Auth:      authMW,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Dispatcher: dispatcher,
		Mappings:   store,
		Breakers:   breakers,
		Checkers:   checkers,
		Version:    version,
		Admin:      admin,
	})

	bgCtx, bgCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	drainer := queue.NewDrainer(spill, store, 30*time.Second)
	wg.Add(2)
	go func() {
		defer wg.Done()
		gateway.NewJanitor(store, cfg.LogRetention(), time.Hour).Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		drainer.Run(bgCtx)
	}()

	// Streams run as long as the upstream keeps sending, so there is no
	// write timeout.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.CORS(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		bgCancel()
		wg.Wait()
		return fmt.Errorf("serve: %w", err)
	}

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	bgCancel()
	wg.Wait()

	// Logs spilled during shutdown get one last chance at the store.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if n, err := drainer.DrainOnce(drainCtx); err != nil {
		slog.Warn("final log spill drain failed", "restored", n, "error", err)
	} else if n > 0 {
		slog.Info("restored spilled request logs", "count", n)
	}

	slog.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	var (
		store repository.Store
		err   error
	)
	switch cfg.Store {
	case config.StorePostgres:
		store, err = repository.OpenPostgres(ctx, cfg.DatabaseURL)
	case config.StoreMemory:
		store = repository.NewMemoryStore()
	default:
		store, err = repository.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}

	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create key encryptor: %w", err)
		}
		store = repository.NewEncryptedStore(store, enc)
		slog.Info("channel keys are encrypted at rest")
	}
	return store, nil
}

func adminAuth(cfg *config.Config) (*auth.Middleware, error) {
	if !cfg.AdminAuthEnabled {
		slog.Warn("admin API authentication is disabled")
		return auth.NewMiddleware(nil), nil
	}

	hash := cfg.AdminPasswordHash
	if hash == "" {
		var err error
		if hash, err = auth.HashPassword(cfg.AdminPassword); err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
	}
	users := []auth.User{{Username: cfg.AdminUsername, PasswordHash: hash, Role: auth.RoleAdmin}}
	if cfg.ViewerUsername != "" {
		users = append(users, auth.User{Username: cfg.ViewerUsername, PasswordHash: cfg.ViewerPasswordHash, Role: auth.RoleViewer})
	}

	authenticator, err := auth.NewAuthenticator(auth.NewUserStore(users...), cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}
	return auth.NewMiddleware(authenticator), nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
