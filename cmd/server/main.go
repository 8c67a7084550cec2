package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/unitool-ai/unitool/internal/app"
	"github.com/unitool-ai/unitool/internal/app/httpapi"
	"github.com/unitool-ai/unitool/internal/app/storage/postgres"
	"github.com/unitool-ai/unitool/internal/config"
	"github.com/unitool-ai/unitool/internal/platform/migrations"
	"github.com/unitool-ai/unitool/internal/secrets"
	"github.com/unitool-ai/unitool/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	stores, db, err := buildStores(cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	opts := app.Options{
		UpstreamTimeout: time.Duration(cfg.Executor.UpstreamTimeoutSec) * time.Second,
		SweepSchedule:   cfg.OAuth2.SweepSchedule,
		SweepHorizon:    time.Duration(cfg.OAuth2.SweepHorizonMin) * time.Minute,
	}
	if raw := os.Getenv("SECRET_ENCRYPTION_KEY"); raw != "" {
		key, err := secrets.ParseKey(raw)
		if err != nil {
			return fmt.Errorf("SECRET_ENCRYPTION_KEY: %w", err)
		}
		opts.EncryptionKey = key
	}
	if cfg.OAuth2.StateSigningKey != "" {
		opts.StateSigningKey = []byte(cfg.OAuth2.StateSigningKey)
	} else {
		log.Warn("oauth2 state signing key not configured; oauth2 linking disabled")
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}

	apiHandler, err := httpapi.NewHandlerWithAudit(application, cfg.Server.AuditFile)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	return application.Stop(shutdownCtx)
}

func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn("database dsn not configured; using in-memory stores")
		return app.Stores{}, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if err := migrations.Apply(db); err != nil {
		db.Close()
		return app.Stores{}, nil, err
	}

	store := postgres.New(db)
	return app.Stores{
		Apps:           store,
		Functions:      store,
		LinkedAccounts: store,
	}, db, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
