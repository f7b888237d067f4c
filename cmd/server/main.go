package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/countryballcards/signup/internal/api"
	"github.com/countryballcards/signup/internal/auth"
	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/export"
	"github.com/countryballcards/signup/internal/gateway"
	"github.com/countryballcards/signup/internal/geo"
	"github.com/countryballcards/signup/internal/notify"
	"github.com/countryballcards/signup/internal/pkg/distlock"
	"github.com/countryballcards/signup/internal/pkg/httpretry"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/ratelimit"
	"github.com/countryballcards/signup/internal/repository"
	"github.com/countryballcards/signup/internal/service/broadcast"
	"github.com/countryballcards/signup/internal/service/subscriber"
	"github.com/redis/go-redis/v9"
)

const (
	brandName  = "Countryball Cards"
	welcomeTTL = 30 * 24 * time.Hour
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %w", port, addr, err)
	}
	ln.Close()
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		logger.Fatal("pre-flight check failed", "error", err)
	}

	ctx := context.Background()

	// Subscriber store
	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open database", "driver", cfg.Database.Driver, "error", err)
	}
	if db != nil {
		defer db.Close()
		if err := repository.EnsureSchema(ctx, cfg.Database.Driver, db); err != nil {
			logger.Fatal("failed to apply schema", "error", err)
		}
	}
	repo, err := repository.NewSubscriberRepo(cfg.Database.Driver, db)
	if err != nil {
		logger.Fatal("failed to create subscriber repository", "error", err)
	}
	subs := subscriber.NewService(repo)
	logger.Info("subscriber store ready", "driver", cfg.Database.Driver)

	// Redis is optional: it backs the limiter, welcome dedupe and locks when set.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unavailable, continuing without it", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// Rate limiter
	var store ratelimit.WindowStore
	switch {
	case cfg.RateLimit.Backend == "redis" && redisClient != nil:
		store = ratelimit.NewRedisStore(redisClient)
	default:
		store = ratelimit.NewFileStore(cfg.RateLimit.FilePath)
	}
	var limiterOpts []ratelimit.Option
	if cfg.RateLimit.AdvisoryLock {
		limiterOpts = append(limiterOpts, ratelimit.WithLock(
			distlock.NewFactory(redisClient, db, cfg.Database.Driver, cfg.RateLimit.Window())))
	}
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		WindowSeconds: cfg.RateLimit.WindowSeconds,
	}, store, limiterOpts...)
	logger.Info("rate limiter ready",
		"max_requests", cfg.RateLimit.MaxRequests,
		"window_seconds", cfg.RateLimit.WindowSeconds,
		"backend", cfg.RateLimit.Backend)

	// Mail
	renderer := notify.NewRenderer(brandName, cfg.Mail.SiteURL)
	dispatcher, err := notify.NewDispatcher(ctx, cfg.Mail, renderer)
	if err != nil {
		logger.Fatal("failed to create mail dispatcher", "provider", cfg.Mail.Provider, "error", err)
	}
	signer := notify.NewLinkSigner(cfg.Mail.UnsubscribeSecret, cfg.Mail.SiteURL)
	notifierOpts := []notify.NotifierOption{notify.WithTimeout(cfg.Mail.DispatchTimeout())}
	if redisClient != nil {
		notifierOpts = append(notifierOpts, notify.WithDeduper(notify.NewRedisDeduper(redisClient, welcomeTTL)))
	} else {
		notifierOpts = append(notifierOpts, notify.WithDeduper(notify.NewMemoryDeduper()))
	}
	notifier := notify.NewNotifier(dispatcher, subs, signer, notifierOpts...)

	var gatewayOpts []gateway.Option
	if cfg.Geo.Enabled {
		client := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Geo.Timeout()}, cfg.Geo.MaxRetries)
		enricher := geo.NewEnricher(geo.NewLocator(client, cfg.Geo.BaseURL), subs, cfg.Geo.Timeout())
		gatewayOpts = append(gatewayOpts, gateway.WithEnricher(enricher))
		logger.Info("geo enrichment enabled", "base_url", cfg.Geo.BaseURL)
	}
	gw := gateway.New(subs, limiter, notifier, gatewayOpts...)

	broadcasts := broadcast.NewService(subs, dispatcher,
		broadcast.WithDelay(cfg.Broadcast.Delay()),
		broadcast.WithLocks(distlock.NewFactory(redisClient, db, cfg.Database.Driver, cfg.Broadcast.LockTTL())),
		broadcast.WithValidator(renderer),
		broadcast.WithSigner(signer),
	)

	deps := api.HandlerDeps{
		Gateway:     gw,
		Subscribers: subs,
		RateInfo:    limiter,
		Broadcasts:  broadcasts,
		Signer:      signer,
	}
	if cfg.Export.S3Bucket != "" {
		archiver, err := export.NewS3Archiver(ctx, cfg.Export)
		if err != nil {
			logger.Warn("archive export disabled", "error", err)
		} else {
			deps.Archiver = archiver
			logger.Info("archive export enabled", "bucket", cfg.Export.S3Bucket)
		}
	}

	authManager := auth.NewAuthManager(cfg.Auth)
	if cfg.Auth.OAuthEnabled() {
		logger.Info("google sign-in enabled", "domain", cfg.Auth.AllowedDomain)
	}

	server := api.NewServer(cfg.Server, api.NewHandlers(deps),
		api.NewHealthChecker(db, redisClient, version), authManager, version)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		logger.Info("starting server", "addr", addr, "version", version)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", "error", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Let in-flight welcome mail, geo lookups and broadcasts finish.
	gw.Wait()
	broadcasts.Wait()
	logger.Info("server stopped")
}
