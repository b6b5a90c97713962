package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/docstore"
	"parley/internal/http"
	"parley/internal/obs"
	"parley/internal/storage"
	"parley/internal/storage/mongostore"

	"golang.org/x/sync/errgroup"
)

// backend is a document store that also persists accounts.
type backend interface {
	docstore.Gateway
	UpsertAccount(auth.Account) error
	ListAccounts() ([]auth.Account, error)
	Close() error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	if cfg.Backend == config.BackendMongo {
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.DatabaseID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return store, nil
	}
	store, err := storage.NewBboltStorage(cfg.DBFile, cfg.DatabaseID, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "username:email of an account to create (prints a generated password)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		username, email, err := commands.ParseAddUser(*addUser)
		if err != nil {
			return err
		}
		return commands.AddUser(ctx, username, email, cfg, os.Stdout)
	}

	logger := obs.NewLoggerTo(os.Stdout, cfg.Env, obs.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}
	authService, err := auth.NewService(ctx, authConfig, store, logger)
	if err != nil {
		return err
	}

	limiter := api.NewWriteLimiter(ctx, cfg.WriteRate, cfg.WriteBurst)
	adminServer := http.NewAdminServer(authService, cfg.AdminAddr, logger)
	apiServer := http.NewAPIServer(authService, store, limiter, cfg.APIAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Admin server shutdown error", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Application error", "error", err)
		os.Exit(1)
	}
}
