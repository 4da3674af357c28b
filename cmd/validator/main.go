package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pool_validator/pkg/config"
	"pool_validator/pkg/database"
	"pool_validator/pkg/data"
	"pool_validator/pkg/metrics"
	"pool_validator/pkg/oracle"
	"pool_validator/pkg/p2p/host"
	"pool_validator/pkg/poller"
	"pool_validator/pkg/scheduler"
	"pool_validator/pkg/scoring"
	"pool_validator/pkg/security"
	"pool_validator/pkg/utils"
	"pool_validator/pkg/validator"
	"pool_validator/pkg/verifier"
	"pool_validator/pkg/worker"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

// App holds the validator's long-running services
type App struct {
	cfg       *config.Config
	db        *database.Service
	host      *host.Host
	validator *validator.Validator
	scheduler *scheduler.Scheduler
	metrics   *metrics.Server
	logger    *zap.Logger
	done      chan struct{}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	setupGracefulShutdown(ctx, cancel, logger)

	app.run(ctx)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	app.stop(shutdownCtx)
}

func initializeApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	passphrase := []byte(os.Getenv(cfg.P2P.KeyPassphraseEnv))
	privKey, err := security.NewKeystore(cfg.P2P.KeyFile, passphrase, logger).LoadOrGenerate()
	if err != nil {
		return nil, fmt.Errorf("loading identity key: %w", err)
	}

	oracleClient := oracle.NewClient(&cfg.Oracle, logger)

	dbService := database.NewService(&cfg.Database, logger,
		data.WithPairSource(oracleClient),
		data.WithMaxAllowedWeights(cfg.Validator.MaxAllowedWeights))
	if err := dbService.Start(initCtx); err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}

	p2pHost, err := host.NewHost(&cfg.P2P, privKey, logger,
		host.WithMaxResponseBytes(cfg.Validator.MaxResponseBytes))
	if err != nil {
		dbService.Stop(context.Background())
		return nil, fmt.Errorf("creating p2p host: %w", err)
	}

	app := &App{
		cfg:    cfg,
		db:     dbService,
		host:   p2pHost,
		logger: logger,
	}

	if err := app.wire(oracleClient); err != nil {
		app.stop(context.Background())
		return nil, err
	}

	logger.Info("Validator initialized",
		zap.String("peerID", p2pHost.ID().String()),
		zap.Int("netuid", cfg.Validator.NetUID))
	return app, nil
}

// wire builds the round pipeline on top of the started services
func (a *App) wire(oracleClient *oracle.Client) error {
	cfg := a.cfg
	repo := a.db.GetRepository()

	selfKey, err := a.host.PublicKey()
	if err != nil {
		return fmt.Errorf("reading identity key: %w", err)
	}

	scorer, err := scoring.NewScorer(cfg.Validator.FidelityThreshold, cfg.Validator.AccuracyExponent)
	if err != nil {
		return fmt.Errorf("creating scorer: %w", err)
	}

	opts := []validator.Option{validator.WithSelfKey(selfKey)}

	if cfg.P2P.AnnounceTopic != "" {
		announcer, err := host.NewAnnouncer(a.host, cfg.P2P.AnnounceTopic)
		if err != nil {
			return fmt.Errorf("joining announce topic: %w", err)
		}
		opts = append(opts, validator.WithAnnouncer(announcer))
	}

	if cfg.Metrics.Enabled {
		recorder := metrics.NewRecorder()
		a.metrics = metrics.NewServer(cfg.Metrics.ListenAddress, recorder, a.healthCheck, a.logger)
		opts = append(opts, validator.WithMetrics(recorder))
	}

	client := worker.NewClient(a.host, a.logger)
	a.validator, err = validator.New(&cfg.Validator,
		repo,
		repo,
		poller.New(client, cfg.Validator.Concurrency, a.logger),
		verifier.New(oracleClient, cfg.Validator.SampleCount, a.logger),
		scorer,
		a.logger,
		opts...)
	if err != nil {
		return fmt.Errorf("creating validator: %w", err)
	}

	a.scheduler = scheduler.NewScheduler(a.logger)
	if err := a.scheduler.ScheduleHousekeeping(&cfg.Scheduler, cfg.Logging.OutputPath, repo); err != nil {
		return err
	}
	return nil
}

func (a *App) healthCheck(ctx context.Context) error {
	if !a.db.IsHealthy(ctx) {
		return errors.New("database unreachable")
	}
	return nil
}

func (a *App) run(ctx context.Context) {
	a.done = make(chan struct{})
	a.scheduler.Start()

	if a.metrics != nil {
		utils.SafeGo(a.logger, func() {
			if err := a.metrics.Start(); err != nil {
				a.logger.Error("Metrics server stopped", zap.Error(err))
			}
		})
	}

	utils.SafeGo(a.logger, func() {
		defer close(a.done)
		if err := a.validator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Validation loop stopped", zap.Error(err))
		}
	})
}

func (a *App) stop(ctx context.Context) {
	var errs []error

	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for validation loop: %w", ctx.Err()))
		}
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping metrics server: %w", err))
		}
	}

	if err := a.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing p2p host: %w", err))
	}

	if err := a.db.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping database: %w", err))
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}
	a.logger.Info("All services stopped")
}

func setupGracefulShutdown(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}
		cancel()
	}()
}

func initLogger(cfg *config.Config, debug bool) (*zap.Logger, error) {
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	return utils.NewLogger(&utils.LogConfig{
		Level:      level,
		OutputPath: cfg.Logging.OutputPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Debug:      debug,
	})
}
