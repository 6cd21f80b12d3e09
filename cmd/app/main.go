package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/untibullet/pr-automerge/internal/config"
	"github.com/untibullet/pr-automerge/internal/github"
	"github.com/untibullet/pr-automerge/internal/handlers"
	"github.com/untibullet/pr-automerge/internal/processor"
	"github.com/untibullet/pr-automerge/internal/repository"
)

const (
	modeServe = "serve"
	modeOnce  = "once"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config.toml (default: ./config.toml or ./config/config.toml)")
	mode := pflag.StringP("mode", "m", modeServe, "run mode: serve (webhook server) or once (single pass over all repositories)")
	dryRun := pflag.Bool("dry-run", false, "log decisions without touching pull requests")
	pflag.Parse()

	// Загрузка конфигурации
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	// Инициализация логгера
	logger, err := initLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting pr-automerge",
		zap.String("mode", *mode),
		zap.Int("repos", len(cfg.Repos)),
		zap.Bool("dry_run", cfg.DryRun))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Клиент GitHub
	client, err := github.New(cfg.GitHub, logger.Named("github"))
	if err != nil {
		logger.Fatal("failed to create github client", zap.Error(err))
	}

	// Журнал решений (опционально)
	var (
		journal   processor.Journal
		decisions handlers.DecisionLister
	)
	if cfg.Database.Enabled() {
		dbPool, err := initDatabase(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer dbPool.Close()

		if err := repository.Migrate(ctx, dbPool); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		logger.Info("decision journal enabled")

		repo := repository.New(dbPool)
		journal = repo
		decisions = repo
	}

	proc := processor.New(cfg, client, journal, logger.Named("processor"))

	switch *mode {
	case modeOnce:
		runOnce(ctx, proc, logger)
	case modeServe:
		serve(ctx, cfg, proc, decisions, logger)
	default:
		logger.Fatal("unknown mode", zap.String("mode", *mode))
	}
}

// runOnce один проход по всем репозиториям, для cron и CI
func runOnce(ctx context.Context, proc *processor.Processor, logger *zap.Logger) {
	start := time.Now()
	if err := proc.ProcessAll(ctx); err != nil {
		logger.Error("pass finished with errors", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("pass finished", zap.Duration("elapsed", time.Since(start)))
}

func serve(ctx context.Context, cfg *config.Config, proc *processor.Processor, decisions handlers.DecisionLister, logger *zap.Logger) {
	// Инициализация обработчиков
	handler := handlers.New(ctx, cfg, proc, decisions, logger.Named("handlers"))

	// Настройка Echo сервера
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error == nil {
				logger.Info("request",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
				)
			} else {
				logger.Error("request error",
					zap.String("method", c.Request().Method),
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Error(v.Error),
				)
			}
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("25M"))

	// Регистрация роутов
	handler.RegisterRoutes(e)

	// Health check endpoint
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Запуск сервера в горутине
	go func() {
		addr := cfg.Server.GetAddress()
		logger.Info("server listening", zap.String("address", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server start failed", zap.Error(err))
		}
	}()

	// Ожидание сигнала завершения
	<-ctx.Done()
	logger.Info("shutting down server gracefully")

	// Таймаут для graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	// фоновые проходы видят отмену ctx и завершаются сами
	handler.Wait()

	logger.Info("server stopped")
}

// initLogger инициализирует zap логгер на основе конфигурации
func initLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// initDatabase инициализирует пул подключений к PostgreSQL
func initDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Журнал пишется редко, большой пул не нужен
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Создание пула
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Проверка подключения
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established", zap.String("host", cfg.Host))
	return pool, nil
}
