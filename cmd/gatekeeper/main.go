package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/telekom/request-gatekeeper/pkg/api"
	"github.com/telekom/request-gatekeeper/pkg/audit"
	"github.com/telekom/request-gatekeeper/pkg/cli"
	"github.com/telekom/request-gatekeeper/pkg/config"
	"github.com/telekom/request-gatekeeper/pkg/gatekeeper"
	"github.com/telekom/request-gatekeeper/pkg/mail"
	"github.com/telekom/request-gatekeeper/pkg/metrics"
	"github.com/telekom/request-gatekeeper/pkg/policy"
	"github.com/telekom/request-gatekeeper/pkg/ratelimit"
	"github.com/telekom/request-gatekeeper/pkg/system"
	"github.com/telekom/request-gatekeeper/pkg/telemetry"
	"github.com/telekom/request-gatekeeper/pkg/version"
)

func main() {
	flags := cli.Parse()

	zl, err := system.NewLogger(flags.Debug)
	if err != nil {
		stdlog.Fatalf("%v", err)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()
	log.With("version", version.Version).Info("Starting request gatekeeper")
	flags.Print(log)

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Error loading gatekeeper config: %v", err)
	}
	flags.Apply(&cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, version.Version, log.Named("tracing"))
	if err != nil {
		log.Fatalf("Error initializing tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warnw("Failed to flush traces", "error", err)
		}
	}()

	store, closeStore, err := buildStore(ctx, cfg.RateLimit, log)
	if err != nil {
		log.Fatalf("Error creating rate limit store: %v", err)
	}
	defer closeStore()

	sink, err := buildAudit(cfg.Audit, zl)
	if err != nil {
		log.Fatalf("Error creating audit sinks: %v", err)
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				log.Warnw("Failed to close audit sinks", "error", err)
			}
		}()
	}

	// Stopped before the audit queue and the store are closed.
	limiterOpts := cfg.RateLimit.LimiterOptions()
	limiterOpts.Logger = log
	limiter := ratelimit.New(store, limiterOpts)
	defer limiter.Stop()

	gen, err := policy.NewGenerator(cfg.Policy)
	if err != nil {
		log.Fatalf("Error creating security policy: %v", err)
	}
	router := cfg.RateLimit.Router()
	opts := gatekeeper.Options{
		Config:         cfg.Gatekeeper.Config,
		Policy:         gen,
		Limiter:        limiter,
		Router:         router,
		Resolver:       cfg.Gatekeeper.Resolver(),
		Logger:         log,
		TracerProvider: tp,
	}
	if sink != nil {
		opts.Audit = sink
	}
	gk, err := gatekeeper.New(opts)
	if err != nil {
		log.Fatalf("Error creating gatekeeper: %v", err)
	}

	serverOpts := api.ServerOptions{
		Gatekeeper:    gk,
		Limiter:       limiter,
		Router:        router,
		EnableAdmin:   flags.EnableAdmin,
		InlineMetrics: flags.MetricsAddr == "",
		EnableHTTP2:   flags.EnableHTTP2,
	}
	if sink != nil {
		serverOpts.Audit = sink
	}
	server := api.NewServer(zl, cfg, flags.Debug, serverOpts)

	if flags.MetricsAddr != "" {
		go serveMetrics(ctx, flags.MetricsAddr, log)
	}

	systemEvent(ctx, sink, audit.EventSystemStartup, log)
	if err := server.Listen(ctx); err != nil {
		log.Errorw("HTTP server failed", "error", err)
	}
	systemEvent(context.Background(), sink, audit.EventSystemShutdown, log)
	log.Info("Request gatekeeper stopped")
}

// buildStore returns the configured limiter store and a function releasing
// its connections.
func buildStore(ctx context.Context, cfg config.RateLimit, log *zap.SugaredLogger) (ratelimit.Store, func(), error) {
	if cfg.Store != config.StoreRedis {
		log.Infow("Using in-memory rate limit store")
		return ratelimit.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := ratelimit.PingRedis(ctx, client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	log.Infow("Using redis rate limit store", "address", cfg.Redis.Address, "prefix", cfg.Redis.Prefix)

	store := ratelimit.NewRedisStore(client, ratelimit.RedisOptions{Prefix: cfg.Redis.Prefix, TTL: cfg.Retention})
	return store, func() {
		if err := client.Close(); err != nil {
			log.Warnw("Failed to close redis client", "error", err)
		}
	}, nil
}

// buildAudit combines the enabled sinks behind an async queue. It returns nil
// when no sink is enabled.
func buildAudit(cfg config.Audit, zl *zap.Logger) (*audit.Queue, error) {
	var sinks []audit.Sink
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(zl))
	}
	if cfg.Kafka != nil {
		k, err := audit.NewKafkaSink(*cfg.Kafka, zl)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	if cfg.Mail != nil {
		alerts, err := mail.NewAlertSink(mail.NewSender(*cfg.Mail, zl.Sugar()), *cfg.Mail, nil, zl)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, alerts)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return audit.NewQueue(sinks[0], cfg.Queue, zl), nil
	default:
		return audit.NewQueue(audit.NewMultiSink(sinks, zl), cfg.Queue, zl), nil
	}
}

func systemEvent(ctx context.Context, sink *audit.Queue, t audit.EventType, log *zap.SugaredLogger) {
	if sink == nil {
		return
	}
	e := audit.NewEvent(t, time.Now())
	e.Details = map[string]interface{}{"version": version.Version}
	if err := sink.Write(ctx, e); err != nil {
		log.Warnw("Failed to record system event", "eventType", t, "error", err)
	}
}

func serveMetrics(ctx context.Context, addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("Metrics server listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("Metrics server failed", "error", err)
	}
}
