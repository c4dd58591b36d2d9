// cmd/ledgerd runs one provider-ledger peer: the transaction processor, the
// orderer client, the committer and projector, and the HTTP and gRPC
// invocation surfaces.
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

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/providerledger/internal/commit"
	"github.com/jmerrifield20/providerledger/internal/config"
	"github.com/jmerrifield20/providerledger/internal/handler"
	"github.com/jmerrifield20/providerledger/internal/health"
	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/index"
	"github.com/jmerrifield20/providerledger/internal/migrate"
	"github.com/jmerrifield20/providerledger/internal/ordering"
	"github.com/jmerrifield20/providerledger/internal/peer"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"github.com/jmerrifield20/providerledger/internal/projection"
	"github.com/jmerrifield20/providerledger/internal/rpc"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"github.com/jmerrifield20/providerledger/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Run a provider-ledger peer",
	Long: `ledgerd runs one provider-ledger peer. It executes transactions, submits
them to the orderer, commits ordered blocks to the State Store and serves the
HTTP and gRPC invocation surfaces until interrupted.

Every config key may be overridden by an environment variable with dots
replaced by underscores, e.g. SERVER_PORT.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, cfgErr := config.Load(cfgFile)
		if cfg == nil {
			return cfgErr
		}

		logger, err := newLogger(cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck

		if errors.Is(cfgErr, config.ErrNoConfigFile) {
			logger.Warn(cfgErr.Error())
		}

		if err := run(cmd.Context(), cfg, logger); err != nil {
			logger.Error("ledgerd exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to ledgerd.yaml (default: configs/ledgerd.yaml or ./ledgerd.yaml)")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// backends is the durable half of a peer.
type backends struct {
	store   statestore.Store
	history history.Log
	close   func()
}

func run(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── State Store + History Log ────────────────────────────────────────────
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	if err := be.history.Verify(ctx); err != nil {
		logger.Warn("history integrity check FAILED", zap.Error(err))
	} else {
		n, _ := be.history.Len(ctx)
		root, _ := be.history.Root(ctx)
		logger.Info("history verified", zap.Int("entries", n), zap.String("root", root))
	}

	// ── Projection (Index + History catch-up) ────────────────────────────────
	idx := index.New(logger)
	projector := projection.New(idx, be.history, logger)
	if err := projector.Recover(ctx, be.store); err != nil {
		return fmt.Errorf("recover projection: %w", err)
	}

	// ── Committer + Orderer ──────────────────────────────────────────────────
	committer, err := commit.New(ctx, be.store, logger)
	if err != nil {
		return fmt.Errorf("position committer: %w", err)
	}
	committer.SetPublisher(projector)

	orderer, err := newOrderer(cfg, ordering.Start{Height: committer.Height()}, logger)
	if err != nil {
		return err
	}

	// ── Peer ─────────────────────────────────────────────────────────────────
	proc := processor.New(be.store, idx, be.history, logger)
	p := peer.New(proc, orderer, committer, projector, be.history,
		peer.Config{CommitTimeout: cfg.Peer.CommitTimeout}, logger)

	checker := health.New(be.store, committer, projector, be.history, health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		MaxLag:        cfg.Health.MaxLag,
	}, logger)

	// ── HTTP ─────────────────────────────────────────────────────────────────
	router := handler.NewRouter(ctx, handler.RouterConfig{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}, p, checker, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC ─────────────────────────────────────────────────────────────────
	grpcSrv, grpcHealth := rpc.NewServer(p, logger)
	checker.SetOnChange(func(r *health.Report) {
		st := grpc_health_v1.HealthCheckResponse_SERVING
		if r.Status != health.StatusHealthy {
			st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		grpcHealth.SetServingStatus(rpc.ServiceName, st)
	})
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		_ = orderer.Close()
		return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return committer.Run(gctx, orderer.Blocks()) })
	g.Go(func() error { return projector.Run(gctx) })
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ledgerd gRPC listening", zap.Int("port", cfg.Server.GRPCPort))
		return grpcSrv.Serve(grpcLis)
	})

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down ledgerd...")

		grpcHealth.Shutdown()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown error", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		if err := orderer.Close(); err != nil {
			logger.Error("orderer close error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("ledgerd stopped", zap.Uint64("height", committer.Height()))
	return nil
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory state; all data is lost on exit")
		return &backends{
			store:   statestore.NewMemoryStore(),
			history: history.NewMemoryLog(),
			close:   func() {},
		}, nil

	case config.BackendBadger:
		bcfg := statestore.DefaultBadgerConfig(cfg.State.BadgerPath)
		db, err := statestore.OpenBadger(bcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger at %s: %w", cfg.State.BadgerPath, err)
		}
		store := statestore.NewBadgerStore(db, bcfg, logger)
		be := &backends{store: store}

		var pool *pgxpool.Pool
		if cfg.History.Backend == config.BackendPostgres {
			if pool, err = connectPostgres(ctx, cfg, logger); err != nil {
				_ = store.Close()
				_ = db.Close()
				return nil, err
			}
		}
		be.close = func() {
			_ = store.Close()
			if err := db.Close(); err != nil {
				logger.Error("badger close error", zap.Error(err))
			}
			if pool != nil {
				pool.Close()
			}
		}
		if be.history, err = historyFor(cfg, db, pool, logger); err != nil {
			be.close()
			return nil, err
		}
		logger.Info("opened badger state", zap.String("path", cfg.State.BadgerPath))
		return be, nil

	case config.BackendPostgres:
		pool, err := connectPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		log, err := historyFor(cfg, nil, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &backends{store: statestore.NewPostgresStore(pool, logger), history: log, close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// historyFor opens the History Log next to an already-open state backend.
func historyFor(cfg *config.Config, db *badger.DB, pool *pgxpool.Pool, logger *zap.Logger) (history.Log, error) {
	switch {
	case cfg.History.Backend == config.BackendBadger && db != nil:
		return history.NewBadgerLog(db, logger)
	case cfg.History.Backend == config.BackendPostgres && pool != nil:
		return history.NewPostgresLog(pool, logger), nil
	}
	return nil, fmt.Errorf("history backend %q cannot accompany %s state", cfg.History.Backend, cfg.State.Backend)
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	if cfg.Database.AutoMigrate {
		n, err := migrate.Apply(ctx, pool, migrations.FS, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema up to date", zap.Int("applied", n))
	}
	return pool, nil
}

func newOrderer(cfg *config.Config, start ordering.Start, logger *zap.Logger) (ordering.Orderer, error) {
	switch cfg.Ordering.Backend {
	case config.OrderingKafka:
		o, err := ordering.NewKafkaOrderer(ordering.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			ClientID: cfg.Kafka.ClientID,
		}, start, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka orderer: %w", err)
		}
		logger.Info("ordering via kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.Uint64("from_height", start.Height),
		)
		return o, nil
	default:
		logger.Info("ordering locally",
			zap.Int("batch_size", cfg.Ordering.BatchSize),
			zap.Duration("batch_timeout", cfg.Ordering.BatchTimeout),
		)
		return ordering.NewLocalOrderer(ordering.LocalConfig{
			BatchSize:    cfg.Ordering.BatchSize,
			BatchTimeout: cfg.Ordering.BatchTimeout,
		}, start, logger), nil
	}
}
