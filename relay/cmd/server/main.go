package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"verdict-relay/relay/internal/config"
	"verdict-relay/relay/internal/connections"
	"verdict-relay/relay/internal/httpapi"
	"verdict-relay/relay/internal/identity"
	"verdict-relay/relay/internal/ingest"
	"verdict-relay/relay/internal/logger"
	"verdict-relay/relay/internal/metrics"
	"verdict-relay/relay/internal/queue"
	"verdict-relay/relay/internal/session"
	"verdict-relay/relay/internal/storage"
	"verdict-relay/relay/internal/store"
	"verdict-relay/relay/internal/store/memstore"
	"verdict-relay/relay/internal/store/pgstore"
	"verdict-relay/relay/internal/store/redisstore"
	"verdict-relay/relay/proto/relaypb"
)

const (
	purgeBatchSize = 1000
	consumerBuffer = 100
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay judge events from workers to browser subscribers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("RELAY_CONFIG"), "path to YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	m, err := metrics.New(cfg.Metrics.Enabled)
	if err != nil {
		return err
	}

	// 2. Session store
	st, pg, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := session.NewRegistry(st, cfg.Session.TTL, log.Named("session"))
	verifier := newVerifier(cfg)
	table := connections.NewTable(cfg.HTTP.SinkBuffer)

	g, gctx := errgroup.WithContext(ctx)

	// Everything that can fail is opened before the first goroutine starts,
	// so an early return leaves nothing serving.

	// 3. Optional drop archive
	var drops ingest.DropRecorder
	var archive *storage.DropArchive
	if cfg.MinIO.Endpoint != "" {
		bucket, err := storage.NewMinIOClient(ctx, cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.Secure)
		if err != nil {
			return err
		}
		archive = storage.NewDropArchive(bucket, cfg.MinIO.QueueSize, log.Named("drops"))
		drops = archive
		log.Info("drop archive enabled", zap.String("endpoint", cfg.MinIO.Endpoint), zap.String("bucket", cfg.MinIO.Bucket))
	}

	relay := ingest.NewRelay(table, m, drops, log.Named("ingest"))

	// 4. Optional AMQP ingest
	var consumer *queue.Consumer
	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer conn.Close()

		consumer, err = queue.StartEventConsumer(gctx, conn, cfg.AMQP.Queue, cfg.AMQP.Prefetch, consumerBuffer)
		if err != nil {
			return err
		}
		defer consumer.Close()
		log.Info("AMQP ingest consumer started", zap.String("queue", cfg.AMQP.Queue))
	}

	// 5. gRPC ingest
	grpcServer := grpc.NewServer(grpc.StreamInterceptor(ingest.TokenStreamInterceptor(cfg.GRPC.IngestToken)))
	relaypb.RegisterIngestServer(grpcServer, ingest.NewServer(relay, m, log.Named("ingest")))

	listener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}

	if archive != nil {
		g.Go(func() error {
			archive.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("gRPC ingest listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			queue.Pump(gctx, consumer.Deliveries(), relay, log.Named("queue"))
			return nil
		})
		g.Go(func() error {
			select {
			case err, ok := <-consumer.Errors():
				if ok && err != nil {
					return err
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	// 6. Expired session purge (postgres only; redis and memory expire on their own)
	if pg != nil && cfg.Postgres.PurgeInterval > 0 {
		g.Go(func() error {
			purgeLoop(gctx, pg, cfg.Postgres.PurgeInterval, log.Named("purge"))
			return nil
		})
	}

	// 7. HTTP register + SSE
	api := httpapi.New(registry, verifier, table, m, log.Named("http"), httpapi.Options{
		CookieName:        cfg.Identity.CookieName,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		KeepaliveInterval: cfg.HTTP.KeepaliveInterval,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// subscriptions end when the relay shuts down
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		stopGRPC(shutdownCtx, grpcServer)
		err := httpServer.Shutdown(shutdownCtx)
		if mErr := m.Shutdown(shutdownCtx); mErr != nil {
			log.Warn("failed to shut down metrics", zap.Error(mErr))
		}
		return err
	})

	log.Info("relay ready",
		zap.String("store", cfg.Session.Backend),
		zap.String("identity", cfg.Identity.Mode),
		zap.Duration("session_ttl", cfg.Session.TTL))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, *pgstore.PGStore, func(), error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		client, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		return redisstore.New(client, cfg.Redis.KeyPrefix), nil, func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		pg := pgstore.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("connected to PostgreSQL")
		return pg, pg, pool.Close, nil

	case config.BackendMemory:
		log.Warn("using in-memory session store; sessions are lost on restart")
		return memstore.New(cfg.Session.TTL), nil, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
}

func newVerifier(cfg *config.Config) identity.Verifier {
	if cfg.Identity.Mode == config.IdentityJWT {
		return identity.NewJWTVerifier(cfg.Identity.JWTSecret)
	}
	return identity.NewWhoAmIClient(cfg.Identity.WhoAmIURL, cfg.Identity.CookieName, cfg.Identity.Timeout)
}

// stopGRPC drains ingest streams until ctx expires, then cuts them off.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

func purgeLoop(ctx context.Context, pg *pgstore.PGStore, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pg.PurgeExpired(ctx, purgeBatchSize)
			if err != nil {
				log.Warn("failed to purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired sessions", zap.Int64("count", n))
			}
		}
	}
}
