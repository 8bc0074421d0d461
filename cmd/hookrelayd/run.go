package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"hookrelay.dev/internal/api"
	"hookrelay.dev/internal/changestream"
	"hookrelay.dev/internal/conf"
	"hookrelay.dev/internal/dispatch"
	"hookrelay.dev/internal/dlq"
	"hookrelay.dev/internal/errs"
	"hookrelay.dev/internal/health"
	"hookrelay.dev/internal/history"
	"hookrelay.dev/internal/queue"
	"hookrelay.dev/internal/relay"
	"hookrelay.dev/internal/router"
	"hookrelay.dev/internal/shutdown"
	"hookrelay.dev/internal/stats"
	"hookrelay.dev/internal/store"
	"hookrelay.dev/internal/subscription"
	"hookrelay.dev/internal/transform"
	"hookrelay.dev/internal/version"
)

// startupTimeout bounds connecting to the store, index creation,
// hydration, and opening the change stream.
const startupTimeout = 30 * time.Second

// storeCloseTimeout bounds the final disconnect after every component
// has stopped.
const storeCloseTimeout = 5 * time.Second

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the relay in the foreground",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := conf.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
		if err := runRelay(cfg); err != nil {
			log.Fatal().Err(err).Msg("hookrelayd failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")
}

// runRelay wires the pipeline together, starts it, and blocks until a
// shutdown signal or a fatal component error.
func runRelay(cfg *conf.Config) (err error) {
	logger := serviceLogger(cfg)
	log.Logger = logger
	logger.Info().Str("version", version.Version).Msg("hookrelayd starting")

	boot, cancelBoot := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelBoot()

	client, err := store.Connect(boot, store.Config{URL: cfg.StoreURL, Database: cfg.StoreDatabase}, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		defer cancel()
		if cerr := client.Close(ctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing document store")
		}
	}()

	if err := client.EnsureIndexes(boot); err != nil {
		return err
	}

	registry := subscription.NewRegistry(client.Subscriptions(), logger)
	if err := registry.Hydrate(boot); err != nil {
		return err
	}

	hist := history.New(client.Attempts(), logger)
	pipeline := stats.New()

	var dlStore dlq.Store
	if cfg.DLQPersistence {
		dlStore = client.DeadLetters()
	}
	deadletter := dlq.New(dlq.Config{
		MaxSize:     cfg.QueueDeadLetterMaxSize,
		Retention:   cfg.DLQRetention(),
		AutoCleanup: cfg.DLQAutoCleanup,
	}, dlStore, logger)
	if err := deadletter.Hydrate(boot); err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Config{
		UserAgent:         cfg.DeliveryUserAgent,
		MaxRedirects:      cfg.DeliveryMaxRedirects,
		MaxResponseSize:   cfg.DeliveryMaxPayloadSize,
		RetryableStatuses: cfg.DeliveryRetryableStatuses,
		SecretSalt:        cfg.DeliverySecretSalt,
	}, logger)

	q := queue.New(queue.Config{
		MaxSize:            cfg.QueueMaxSize,
		MaxConcurrent:      cfg.QueueMaxConcurrent,
		ProcessingInterval: cfg.ProcessingInterval(),
		DeliveryTimeout:    cfg.DeliveryTimeout(),
		MaxRetryDelay:      cfg.MaxRetryDelay(),
	}, dispatcher, relay.NewRecorder(hist, registry), deadletter, pipeline, logger)

	defaultRetry := subscription.RetryPolicy{
		MaxAttempts:       cfg.RetryMaxAttempts,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		InitialDelayMs:    cfg.RetryInitialDelayMs,
	}

	src := changestream.New(changestream.Config{Collections: cfg.SourceCollections}, client.Database(), logger)

	var (
		eventLog  relay.EventLog
		apiEvents api.EventStore
	)
	if cfg.EventLogEnabled {
		ev := client.Events()
		eventLog, apiEvents = ev, ev
	}

	svc := relay.New(relay.Config{
		MaxRecordAttempts: cfg.SourceMaxRecordAttempts,
		OnCursorExpired:   cfg.SourceOnCursorExpired,
		DropOnOverflow:    cfg.SourceDropOnOverflow,
		DefaultRetry:      defaultRetry,
		DefaultTimeout:    cfg.DeliveryTimeout(),
	}, relay.Deps{
		Source: relay.SourceFunc(func(ctx context.Context, cursor bson.Raw) (relay.Stream, error) {
			st, err := src.Open(ctx, cursor)
			if err != nil {
				return nil, err
			}
			return st, nil
		}),
		Cursor:      client.Cursor(),
		Registry:    registry,
		Router:      router.New(logger),
		Transformer: transform.New(version.Version),
		Queue:       q,
		Dispatcher:  dispatcher,
		History:     hist,
		DeadLetter:  deadletter,
		Events:      eventLog,
		Unroutable:  client.Unroutable(),
		Pipeline:    pipeline,
	}, logger)
	svc.WireDeadLetterReplay()

	checks := health.NewCheckRegistry(logger)
	checks.Register(client)
	checks.Register(svc)
	checks.RegisterFunc("queue.capacity", func(ctx context.Context) error {
		st := q.Status()
		if st.Queued+st.Scheduled >= st.MaxSize {
			return errs.B().Code(errs.ResourceExhausted).Msg("delivery queue is full").Err()
		}
		return nil
	})

	apiSrv := api.New(api.Config{
		ListenAddr:            cfg.APIListenAddr,
		Key:                   cfg.APIKey,
		RateLimitWindow:       cfg.APIRateLimitWindow(),
		RateLimitMax:          cfg.APIRateLimitMax,
		DefaultRetry:          defaultRetry,
		DefaultTimeoutSeconds: cfg.DeliveryTimeoutMs / 1000,
	}, api.Deps{
		Registry:   registry,
		Relay:      svc,
		History:    hist,
		Events:     apiEvents,
		DeadLetter: deadletter,
		Queue:      q,
		Health:     checks,
	}, logger)

	if err := q.Start(); err != nil {
		return err
	}
	if err := deadletter.Start(); err != nil {
		_ = q.Stop(time.Second)
		return err
	}
	if err := svc.Start(boot); err != nil {
		deadletter.Stop()
		_ = q.Stop(time.Second)
		return err
	}

	tracker := shutdown.NewTracker(cfg.ShutdownGrace(), logger)
	tracker.OnShutdown(func(force context.Context) {
		if err := apiSrv.Shutdown(force); err != nil {
			logger.Warn().Err(err).Msg("management api shutdown")
		}
	})
	tracker.OnShutdown(svc.Stop)
	tracker.OnShutdown(func(force context.Context) { deadletter.Stop() })
	tracker.WatchForShutdownSignals()

	serveErr := make(chan error, 1)
	go func() { serveErr <- apiSrv.ListenAndServe() }()

	select {
	case err := <-serveErr:
		// The listener is gone; stop the pipeline before reporting.
		tracker.Shutdown()
		return err
	case <-tracker.Completed():
		return nil
	}
}

// serviceLogger builds the root logger from the log.* config block. The
// --verbose flag raises the level past whatever the file asks for.
func serviceLogger(cfg *conf.Config) zerolog.Logger {
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	if verbosity == 1 {
		level = zerolog.DebugLevel
	} else if verbosity >= 2 {
		level = zerolog.TraceLevel
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level)
}
