package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"civicledger/internal/command"
	"civicledger/internal/config"
	"civicledger/internal/escrow"
	"civicledger/internal/httpserver"
	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/internal/oracle"
	"civicledger/internal/storage"
	"civicledger/migrations"
	"civicledger/pkg/db"
	"civicledger/pkg/logger"
	"civicledger/pkg/mq"
	"civicledger/pkg/otel"
	"civicledger/pkg/outbox"
	"civicledger/pkg/redis"
	"civicledger/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting civicledger...",
		zap.String("backend", cfg.Ledger.Backend),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
	)

	shutdownTracing, err := otel.Init(cfg.OTel, log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MQ Publisher：命令结果、事件扇出、死信
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redis.Ping(ctx, rdb); err != nil {
		log.Fatal("Redis is not reachable", zap.Error(err))
	}

	checks := []httpserver.Check{
		{Name: "redis", Fn: func(ctx context.Context) error { return redis.Ping(ctx, rdb) }},
		{Name: "mq_publisher", Fn: connected("publisher", publisher.IsConnected)},
	}

	// Ledger store
	var (
		store    ledger.Store
		replayer httpserver.Replayer
		dbConn   *pgxpool.Pool
	)
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		log.Info("Initializing database connection...")
		dbConn, err = db.NewConnection(cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer dbConn.Close()

		if cfg.Ledger.Migrate {
			if err := migrations.Apply(ctx, dbConn, log); err != nil {
				log.Fatal("Failed to apply migrations", zap.Error(err))
			}
			log.Info("Migrations applied")
		}

		store = ledger.NewPostgresStore(dbConn, log)

		outboxRepo := outbox.NewRepository(dbConn)
		dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)

		replayer = outbox.NewReplayService(outboxRepo, publisher, log)
		checks = append(checks, httpserver.Check{Name: "db", Fn: dbConn.Ping})
	default:
		log.Warn("Using in-memory ledger; state is lost on restart")
		store = ledger.NewMemoryStore(ledger.WithPublisher(publisher), ledger.WithLogger(log))
	}

	// 启动前核对事件日志与账本状态
	auditor := ledger.NewAuditor(store, log)
	if report, err := auditor.Audit(ctx); err != nil {
		log.Fatal("Ledger audit failed", zap.Error(err))
	} else if !report.Consistent() {
		log.Warn("Ledger state diverges from its event log; see GET /admin/ledger/audit")
	}

	// Oracle
	attestorOpts := []oracle.AttestorOption{}
	if len(cfg.Storage.Gateways) > 0 {
		gateways, err := storage.NewClient(cfg.Storage, log)
		if err != nil {
			log.Fatal("Failed to init storage client", zap.Error(err))
		}
		attestorOpts = append(attestorOpts, oracle.WithFetcher(gateways))
	} else {
		log.Warn("No storage gateways configured; proof retrieval is not checked")
	}
	duplicates := oracle.NewDuplicateChecker(rdb, cfg.Oracle.DuplicateTTL)
	attestor := oracle.NewAttestor(cfg.Oracle, duplicates, log, attestorOpts...)

	// Escrow service
	service := escrow.NewService(store, log, escrow.WithOracle(attestor))

	// Command intake
	auth, err := command.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		log.Fatal("Failed to init authenticator", zap.Error(err))
	}
	deduper := util.NewDeduperWithLogger(rdb, cfg.Command.DedupTTL, log)
	handler := command.NewHandler(service, auth, deduper, publisher, log)

	log.Info("Initializing MQ consumer for ledger commands...",
		zap.String("queue", cfg.MQ.CommandQueue),
		zap.String("routing_key", command.RoutingKey),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.MQ.CommandQueue, command.RoutingKey, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}

	consumer, err = consumer.WithDeadLetter(publisher, util.NewRetryCounter(rdb, cfg.Command.RetryTTL), cfg.MQ.MaxRetries)
	if err != nil {
		log.Fatal("Failed to configure dead letter queue", zap.Error(err))
	}
	consumer.SetHandler(handler.Handle)
	checks = append(checks, httpserver.Check{Name: "mq_consumer", Fn: connected("consumer", consumer.IsConnected)})

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("Command consumer failed", zap.Error(err))
		}
	}()

	// HTTP Server (health, readiness, metrics, outbox replay, ledger audit)
	addr := cfg.Server.Port
	if !strings.HasPrefix(addr, ":") {
		addr = ":" + addr
	}
	operators := operatorIdentities(cfg.Server.Operators)
	if len(operators) == 0 {
		log.Warn("No operators configured; /admin routes will refuse every caller")
	}
	router := httpserver.NewRouter(httpserver.Deps{
		Logger:    log,
		Checks:    checks,
		Replayer:  replayer,
		Auditor:   auditor,
		Verifier:  auth,
		Operators: operators,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("civicledger is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down civicledger gracefully...")

	consumer.Close()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("civicledger shutdown complete")
}

func connected(name string, isConnected func() bool) func(context.Context) error {
	return func(context.Context) error {
		if !isConnected() {
			return errors.New(name + " disconnected")
		}
		return nil
	}
}

func operatorIdentities(ids []string) []model.Identity {
	out := make([]model.Identity, 0, len(ids))
	for _, id := range ids {
		if id := model.NormalizeIdentity(id); !id.IsZero() {
			out = append(out, id)
		}
	}
	return out
}
