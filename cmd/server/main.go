package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/saferun/saferun/internal/api"
	"github.com/saferun/saferun/internal/approval"
	"github.com/saferun/saferun/internal/change"
	"github.com/saferun/saferun/internal/circuitbreaker"
	"github.com/saferun/saferun/internal/config"
	"github.com/saferun/saferun/internal/crypto"
	"github.com/saferun/saferun/internal/notify"
	"github.com/saferun/saferun/internal/provider"
	"github.com/saferun/saferun/internal/saferunerr"
	"github.com/saferun/saferun/internal/scheduler"
	"github.com/saferun/saferun/internal/store"
	"github.com/saferun/saferun/internal/tenant"
	"github.com/saferun/saferun/internal/webhook"
)

func main() {
	yamlPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.IsProduction() {
		logLevel = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	vault, err := crypto.New(cfg.Crypto.EncryptionKeyB64)
	if err != nil {
		slog.Error("crypto vault init failed", "error", err)
		os.Exit(1)
	}

	st, err := openStore(ctx, cfg.Store, vault)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	providerTimeout := time.Duration(cfg.Provider.RequestTimeoutSec) * time.Second
	providers := map[string]provider.Provider{
		"github": provider.NewGitHub(providerTimeout),
	}

	dispatcher := notify.New(st, notify.Config{
		Timeout:              time.Duration(cfg.Notifier.PerAttemptTimeoutSec) * time.Second,
		Retries:              cfg.Notifier.MaxRetries,
		Workers:              cfg.Notifier.WorkerCount,
		SlackBotToken:        "", // per-tenant Settings take precedence; see notify.Config doc
		GenericWebhookSecret: cfg.Notifier.ChatSigningSecret,
		CloudTasksProject:    cfg.Notifier.CloudTasksProjectID,
		CloudTasksLocation:   cfg.Notifier.CloudTasksLocationID,
		CloudTasksQueue:      cfg.Notifier.CloudTasksQueueID,
		PubSubProject:        cfg.Notifier.PubSubProjectID,
		PubSubTopic:          cfg.Notifier.PubSubTopicID,
	})
	defer dispatcher.Shutdown()

	engine := &change.Engine{
		Store:      st,
		Providers:  providers,
		Notifier:   dispatcher,
		BaseURL:    cfg.Server.BaseURL,
		APIBaseURL: cfg.Server.BaseURL,
		Breakers:   circuitbreaker.NewProviderBreakers(),
	}

	gateway := &approval.Gateway{Engine: engine}

	ingress := &webhook.Ingress{
		Store:    st,
		Notifier: dispatcher,
		Config: webhook.Config{
			Secret:    cfg.Provider.GitHubWebhookSecret,
			BotLogins: cfg.Provider.BotLogins,
		},
		APIBaseURL: cfg.Server.BaseURL,
	}

	sched := scheduler.New(st, scheduler.Config{
		Interval: time.Duration(cfg.Scheduler.SweepIntervalSec) * time.Second,
		RedisURL: cfg.Scheduler.LockRedisURL,
	})
	sched.Start()
	defer sched.Stop()

	tenantSvc := tenant.New(st)
	rateLimiter := tenant.NewRateLimiter(tenant.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})
	defer rateLimiter.Stop()

	server := &api.Server{
		Engine:             engine,
		Gateway:            gateway,
		Ingress:            ingress,
		Notifier:           dispatcher,
		Tenant:             tenantSvc,
		RateLimit:          rateLimiter,
		BaseURL:            cfg.Server.BaseURL,
		SlackSigningSecret: cfg.Notifier.ChatSigningSecret,
		AdminAllowlist:     cfg.Server.AdminAllowlist,
	}

	readTimeout := time.Duration(cfg.Server.ReadTimeoutSec) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeoutSec) * time.Second
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	slog.Info("saferun starting", "port", cfg.Server.Port, "env", cfg.Server.Env, "store_backend", cfg.Store.Backend)
	if err := server.Start(ctx, cfg.Server.Port, readTimeout, writeTimeout); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, vault *crypto.Vault) (store.Store, error) {
	switch cfg.Backend {
	case "supabase":
		return store.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, vault)
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.DatabaseURL, vault)
	default:
		return nil, saferunerr.New(saferunerr.Internal, "unknown store backend: "+cfg.Backend)
	}
}
