package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/config"
	"github.com/BrandonDHaskell/Portunus/validator/internal/db"
	"github.com/BrandonDHaskell/Portunus/validator/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/validator/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/validator/internal/observability"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/calypso/softcard"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/service"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/memory"
	"github.com/BrandonDHaskell/Portunus/validator/internal/validator/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := observability.NewLogger("validator-server", "prod", "error")
		l.Fatal().Err(err).Msg("config")
	}
	logger := observability.NewLogger("validator-server", cfg.Env, cfg.LogLevel)
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores
	cards, closeStore, err := openCardStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open card store")
	}
	defer closeStore()

	// Services
	validationSvc, issuanceSvc := newServices(cfg, cards, logger)

	if cfg.SeedDemo && cfg.Env == "dev" {
		n, err := db.SeedDev(ctx, issuanceSvc, db.SeedDevOptions{})
		if err != nil {
			logger.Fatal().Err(err).Msg("seed demo cards")
		}
		logger.Info().Int("cards", n).Msg("demo cards seeded")
	}

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:            logger,
		Addr:              cfg.HTTPAddr,
		ValidationService: validationSvc,
		IssuanceService:   issuanceSvc,
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	// gRPC health
	var grpcSrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpcapi.NewServer(grpcapi.Dependencies{Logger: logger, Addr: cfg.GRPCAddr})
		go func() {
			if err := grpcSrv.Start(); err != nil {
				logger.Error().Err(err).Msg("grpc server error")
				stop()
			}
		}()
		grpcSrv.SetServing(true)
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("card_store", cfg.CardStore).
		Int("terminals", len(cfg.Terminals)).
		Int("locations", len(cfg.Locations)).
		Dur("session_timeout", cfg.SessionTimeout).
		Msg("validator ready")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.SetServing(false)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		if err := grpcSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("grpc shutdown")
		}
	}
}

// newServices wires the validation and issuance services over cards.
func newServices(cfg config.Config, cards store.CardStore, logger zerolog.Logger) (*service.ValidationService, *service.IssuanceService) {
	reader := softcard.NewReader(cards, logger)
	registry := service.NewTerminalRegistry(memory.NewTerminalStore(cfg.Terminals), cfg.Locations)
	validationSvc := service.NewValidationService(registry, reader, service.ValidationOptions{
		Profile:          cfg.Profile,
		ValidationAmount: cfg.ValidationAmount,
		CloseControl:     cfg.CloseControl,
		SessionTimeout:   cfg.SessionTimeout,
	}, logger)
	issuanceSvc := service.NewIssuanceService(cards, reader, cfg.Profile, cfg.Locations, logger)
	return validationSvc, issuanceSvc
}

// openCardStore returns the configured card store and a func releasing it.
func openCardStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.CardStore, func(), error) {
	if cfg.CardStore == "memory" {
		return memory.NewCardStore(), func() {}, nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env}, logger)
	if err != nil {
		return nil, nil, err
	}
	writer := db.NewWorker(conn)
	return sqlite.NewCardStore(conn, writer), closeDB(conn, writer, logger), nil
}

func closeDB(conn *sql.DB, writer *db.Worker, logger zerolog.Logger) func() {
	return func() {
		writer.Close()
		if err := conn.Close(); err != nil {
			logger.Warn().Err(err).Msg("db close")
		}
	}
}
