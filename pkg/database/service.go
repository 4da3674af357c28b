package database

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"pool_validator/pkg/config"
	"pool_validator/pkg/data"
)

// Service manages the database lifecycle and provides access to the repository
type Service struct {
	logger   *zap.Logger
	config   *config.DatabaseConfig
	repoOpts []data.Option

	pool     *pgxpool.Pool
	embedded *postgres.EmbeddedPostgres
	repo     data.Repository
	schema   *data.SchemaManager

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger, opts ...data.Option) *Service {
	return &Service{
		config:   cfg,
		logger:   logger,
		repoOpts: opts,
	}
}

// Start initializes the repository, bringing up the embedded database and
// applying the schema when configured for PostgreSQL.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.Type == "memory" {
		s.repo = data.NewMemoryRepository(s.logger, s.repoOpts...)
		s.isRunning = true
		s.logger.Info("Database service started with in-memory repository")
		return nil
	}

	connStr := s.config.URL
	if s.config.Embedded.Enabled {
		if err := s.startEmbedded(); err != nil {
			return err
		}
		connStr = s.embeddedURL()
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	pool, err := s.createPool(ctx, connStr)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	s.schema = data.NewSchemaManager(pool)
	if err := s.schema.InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.repo = data.NewPostgresRepository(pool, s.logger, s.repoOpts...)

	s.isRunning = true
	s.logger.Info("Database service started successfully",
		zap.Bool("embedded", s.config.Embedded.Enabled))
	return nil
}

// Stop closes database connections and the embedded instance
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return nil
}

// GetRepository returns the data repository
func (s *Service) GetRepository() data.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

// IsHealthy checks database health
func (s *Service) IsHealthy(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}
	if s.pool == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx) == nil
}

// Internal methods

func (s *Service) startEmbedded() error {
	emb := s.config.Embedded
	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username(emb.Username).
			Password(emb.Password).
			Database(emb.Database).
			Version(postgres.V16).
			Port(uint32(emb.Port)).
			RuntimePath(emb.RuntimePath).
			Logger(zap.NewStdLog(s.logger.Named("embedded-postgres")).Writer()))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded database: %w", err)
	}
	s.embedded = pg
	return nil
}

func (s *Service) embeddedURL() string {
	emb := s.config.Embedded
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(emb.Username, emb.Password),
		Host:     fmt.Sprintf("localhost:%d", emb.Port),
		Path:     "/" + emb.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (s *Service) createPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	poolConfig.MaxConns = int32(s.config.MaxConnections)
	poolConfig.MinConns = int32(s.config.MinConnections)
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}

	return pool, nil
}

func (s *Service) cleanup() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.embedded != nil {
		if err := s.embedded.Stop(); err != nil {
			s.logger.Warn("Failed to stop embedded database", zap.Error(err))
		}
		s.embedded = nil
	}
}

// Config represents database configuration
func (s *Service) Config() *config.DatabaseConfig {
	return s.config
}
