// Command connector runs the venue data-plane connector: subscription
// multiplexing, book reconstruction, and the upstream websocket session.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tradewire/connector/config"
	"github.com/tradewire/connector/internal/book"
	"github.com/tradewire/connector/internal/heartbeat"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/internal/persistence/migrations"
	"github.com/tradewire/connector/internal/pipeline"
	"github.com/tradewire/connector/internal/schedule"
	"github.com/tradewire/connector/internal/schema"
	"github.com/tradewire/connector/internal/secmap"
	"github.com/tradewire/connector/internal/subscription"
	"github.com/tradewire/connector/internal/transport/ws"
	"github.com/tradewire/connector/lib/telemetry"
)

const (
	defaultConfigPath = "config/connector.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("connector: %v", err)
	}
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	telemetry.SetEnvironment(cfg.Environment)

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(observability.NewZapLogger(logger))
	appLog := observability.Log()

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	observability.SetMetrics(observability.NewOTelMetrics("connector"))

	store, pool, err := openStore(ctx, cfg.Database, appLog)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}
	recorder := secmap.NewRecorder(store, appLog)

	sched := schedule.New(cfg.Book.VenueMIC, cfg.Book.ClearingTime)
	clock := schema.SystemClock()
	idGen := schema.NewTransactionIDGenerator()

	manager := subscription.NewManager(appLog, clock, idGen)
	online := subscription.NewOnlineManager(appLog, clock)
	builder := book.NewBuilder(appLog, sched, cfg.Book.DepthCap)
	hb := heartbeat.NewAdapter(heartbeat.Config{
		Interval:          cfg.Heartbeat.Interval,
		ReconnectInterval: cfg.Heartbeat.ReconnectInterval,
		ConnectTimeout:    cfg.Heartbeat.ConnectTimeout,
		MaxAttempts:       cfg.Heartbeat.MaxAttempts,
	}, sched, clock, appLog)

	var chain *pipeline.Chain
	client := ws.NewClient(ws.Config{
		Endpoint:         cfg.Upstream.WSEndpoint,
		HandshakeTimeout: cfg.Upstream.HandshakeTimeout,
		ControlRate:      cfg.Upstream.ControlRate,
		ControlBurst:     cfg.Upstream.ControlBurst,
	}, appLog, func(msg schema.Message) { chain.OnUp(msg) })

	out := func(msg schema.Message) {
		recorder.Observe(ctx, msg)
		appLog.Debug("delivered",
			observability.Field{Key: "message_type", Value: string(msg.Type())})
	}

	chain = pipeline.NewChain([]pipeline.Stage{manager, online, builder, hb}, client, out, appLog)
	chain.SetPendingCap(cfg.Pipeline.PendingCap)
	runtimeMetrics := observability.NewRuntimeMetrics()
	chain.SetRuntimeMetrics(runtimeMetrics)
	hb.Bind(chain.SendIn)
	hb.BindOut(chain.EmitOut)

	appLog.Info("connector starting",
		observability.Field{Key: "environment", Value: cfg.Environment},
		observability.Field{Key: "endpoint", Value: cfg.Upstream.WSEndpoint},
		observability.Field{Key: "venue_mic", Value: cfg.Book.VenueMIC})

	if err := chain.SendIn(&schema.ConnectMessage{}); err != nil {
		return err
	}

	<-ctx.Done()
	appLog.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErrs []error
	if err := chain.SendIn(&schema.DisconnectMessage{}); err != nil {
		shutdownErrs = append(shutdownErrs, err)
	}
	client.Stop()
	counters := runtimeMetrics.Snapshot()
	appLog.Info("pipeline counters at shutdown",
		observability.Field{Key: "queue_depth", Value: counters.QueueDepth},
		observability.Field{Key: "suppressed", Value: counters.SuppressedCount},
		observability.Field{Key: "fanout_us", Value: counters.FanoutMicroseconds})
	if err := telemetryShutdown(shutdownCtx); err != nil {
		shutdownErrs = append(shutdownErrs, err)
	}
	return observability.AggregateErrors("shutdown", shutdownErrs)
}

func loadConfig(path string) (config.Settings, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("configuration file not found at %s, using defaults", path)
			return config.FromEnv(config.Default()), nil
		}
		return cfg, err
	}
	return config.FromEnv(cfg), nil
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// openStore opens the Postgres mapping store when a DSN is configured,
// applying pending migrations first. Without a DSN the mappings live
// in-process only.
func openStore(ctx context.Context, cfg config.DatabaseConfig, appLog observability.Logger) (secmap.Store, *pgxpool.Pool, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		appLog.Info("no database configured, security mappings held in memory")
		return secmap.NewMemoryStore(), nil, nil
	}

	if err := migrations.Apply(ctx, dsn, "", log.Default()); err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return secmap.NewPostgresStore(pool), pool, nil
}
