package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	flag "github.com/spf13/pflag"

	"github.com/driftwoodlabs/allocator/api"
	"github.com/driftwoodlabs/allocator/pkg/alloc"
	"github.com/driftwoodlabs/allocator/pkg/epoch"
	"github.com/driftwoodlabs/allocator/pkg/liquidation"
	"github.com/driftwoodlabs/allocator/pkg/logger"
	"github.com/driftwoodlabs/allocator/pkg/metrics"
	"github.com/driftwoodlabs/allocator/pkg/store"
	"github.com/driftwoodlabs/allocator/pkg/sweep"
	"github.com/driftwoodlabs/allocator/pkg/vote"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenFlag := flag.String("listen", ":8080", "HTTP listen address")

	// Postgres configuration
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "Run database migrations on startup (or set RUN_MIGRATIONS=true)")

	// Governance configuration
	minEpochDurationFlag := flag.Duration("min-epoch-duration", 7*24*time.Hour, "minimum duration between epoch transitions")
	sampleSizeFlag := flag.Int("sample-size", 5, "number of top-voted collections sharing a proportional split")
	minSweepAmountFlag := flag.Uint64("min-sweep-amount", 1, "floor amount registered for zero-yield epochs")
	epochYieldFlag := flag.Uint64("epoch-yield", 0, "fixed per-epoch yield for deployments without a treasury feed")
	maxCollectionsFlag := flag.Int("max-collections", 128, "maximum registered collections")
	votingCapacityFlag := flag.Uint64("voting-capacity", 0, "fixed per-voter capacity for deployments without a staking feed")

	// Liquidation configuration
	liquidationThresholdFlag := flag.Uint32("liquidation-threshold-bp", 1000, "negative vote share (basis points) that triggers liquidation; 0 disables")
	referenceTokenFlag := flag.String("reference-token", "WETH", "reference currency token for liquidation proceeds")

	// Scheduling
	autoTransitionFlag := flag.Bool("auto-transition", false, "attempt epoch transitions automatically in the background")
	checkIntervalFlag := flag.Duration("check-interval", time.Minute, "how often the background loop attempts a transition")

	// Strategies
	aggregatorURLFlag := flag.String("aggregator-url", "", "base URL of the execution aggregator (enables the aggregator strategy)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if os.Getenv("RUN_MIGRATIONS") == "true" {
		*migrateFlag = true
	}
	if *databaseURLFlag == "" {
		return fmt.Errorf("--database-url is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      os.Getenv("SENTRY_ENVIRONMENT"),
			Release:          version,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateFlag {
		if err := store.Migrate(log, *databaseURLFlag); err != nil {
			return err
		}
	}

	pool, err := store.OpenPool(ctx, *databaseURLFlag)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	votes, err := vote.NewLedger(vote.LedgerConfig{
		Logger:         log,
		Store:          st,
		Power:          vote.FixedPowerSource(*votingCapacityFlag),
		MaxCollections: *maxCollectionsFlag,
	})
	if err != nil {
		return err
	}

	engine, err := alloc.NewEngine(alloc.EngineConfig{Logger: log})
	if err != nil {
		return err
	}

	sweeps, err := sweep.NewLedger(sweep.LedgerConfig{Logger: log, Store: st})
	if err != nil {
		return err
	}

	manual, err := sweep.NewManual(sweep.ManualConfig{Logger: log})
	if err != nil {
		return err
	}
	if err := sweeps.RegisterStrategy(manual); err != nil {
		return err
	}
	if *aggregatorURLFlag != "" {
		aggregator, err := sweep.NewAggregator(sweep.AggregatorConfig{Logger: log, BaseURL: *aggregatorURLFlag})
		if err != nil {
			return err
		}
		if err := sweeps.RegisterStrategy(aggregator); err != nil {
			return err
		}
	}

	planner, err := sweep.NewPlanner(sweep.PlannerConfig{
		Logger:         log,
		Engine:         engine,
		Ledger:         sweeps,
		Yield:          sweep.StaticYield(*epochYieldFlag),
		SampleSize:     *sampleSizeFlag,
		MinSweepAmount: *minSweepAmountFlag,
	})
	if err != nil {
		return err
	}

	scheduler, err := epoch.NewScheduler(epoch.SchedulerConfig{
		Logger:           log,
		Store:            st,
		MinEpochDuration: *minEpochDurationFlag,
		CheckInterval:    *checkIntervalFlag,
	})
	if err != nil {
		return err
	}
	if err := scheduler.AddHandler(planner); err != nil {
		return err
	}

	if *liquidationThresholdFlag > 0 {
		liquidator, err := liquidation.NewHandler(liquidation.HandlerConfig{
			Logger:         log,
			Engine:         engine,
			Converter:      liquidation.UnitConverter{},
			Sink:           &liquidation.LogSink{Logger: log},
			ThresholdBps:   *liquidationThresholdFlag,
			ReferenceToken: *referenceTokenFlag,
		})
		if err != nil {
			return err
		}
		if err := scheduler.AddHandler(liquidator); err != nil {
			return err
		}
	}

	server, err := api.NewServer(api.Config{
		Logger:    log,
		Addr:      *listenFlag,
		Store:     st,
		Votes:     votes,
		Scheduler: scheduler,
		Sweeps:    sweeps,
		Planner:   planner,
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("allocator starting", "version", version, "commit", commit, "date", date)

	if *autoTransitionFlag {
		scheduler.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	return g.Wait()
}
