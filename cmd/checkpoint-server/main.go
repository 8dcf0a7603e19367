package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/auth"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/config"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/db"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("checkpoint-server")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	conn, err := db.Open(ctx, db.Config{
		Dialect: dialect,
		Path:    cfg.DBPath,
		DSN:     cfg.DBDSN,
		Env:     cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()

	if err := seed(ctx, cfg, conn, dialect, logger); err != nil {
		return err
	}

	writer := db.NewWorker(conn, dialect)
	defer writer.Close()

	// Stores
	dirStore := sqlite.NewDirectoryStore(conn, writer)
	eventStore := sqlite.NewAccessEventStore(conn, writer)

	// Services
	metrics := obs.NewMetrics()
	directory := service.NewDirectory(dirStore, loc)
	ledger := service.NewLedger(eventStore, service.LedgerConfig{
		MaxRetries: cfg.LedgerMaxRetries,
		Backoff:    cfg.LedgerBackoff,
	}, metrics, logger.Named("ledger"))
	checkpoint := service.NewCheckpoint(directory, ledger, service.CheckpointConfig{
		LookupTimeout: cfg.LookupTimeout,
	}, metrics, logger.Named("checkpoint"))
	sessions := service.NewSessionManager(directory, dirStore)

	authority, err := auth.NewAuthority(cfg.JWTSecret)
	if err != nil {
		return err
	}

	reaper := service.NewSessionReaper(sessions, service.ReaperConfig{IdleTTL: cfg.SessionIdleTTL}, metrics, logger.Named("sessions"))
	reaper.Start(ctx)
	defer reaper.Stop()

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:     logger.Named("http"),
		Addr:       cfg.HTTPAddr,
		Checkpoint: checkpoint,
		Ledger:     ledger,
		Directory:  directory,
		Sessions:   sessions,
		Auth:       authority,
		Metrics:    metrics,
		RateLimit:  httpapi.RateLimit{PerSecond: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
	})

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Env), zap.String("timezone", loc.String()))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	// gRPC
	var grpcStop func()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g := grpcapi.NewGRPCServer(grpcapi.NewServer(grpcapi.Dependencies{
			Logger:     logger.Named("grpc"),
			Checkpoint: checkpoint,
			Ledger:     ledger,
			Sessions:   sessions,
			Auth:       authority,
			Metrics:    metrics,
		}))
		grpcStop = g.GracefulStop
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			if err := g.Serve(lis); err != nil {
				logger.Error("grpc server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcStop != nil {
		grpcStop()
	}
	return srv.Shutdown(shutdownCtx)
}

// seed applies the fixture file when one is configured, or the built-in
// development data set in dev.
func seed(ctx context.Context, cfg config.Config, conn *sql.DB, dialect db.Dialect, logger *zap.Logger) error {
	switch {
	case cfg.SeedFile != "":
		f, err := db.LoadFixture(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := db.Seed(ctx, conn, dialect, f); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
		}
		logger.Info("seeded", zap.String("file", cfg.SeedFile), zap.Int("users", len(f.Users)))
	case cfg.Env == "dev":
		if err := db.SeedDev(ctx, conn, dialect); err != nil {
			return fmt.Errorf("seed dev data: %w", err)
		}
		logger.Info("seeded development data")
	}
	return nil
}
