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

	"github.com/spf13/cobra"

	"fieldsync/internal/app/server/api"
	"fieldsync/internal/app/server/config"
	"fieldsync/internal/app/server/crypto"
	"fieldsync/internal/domain/authority"
	"fieldsync/internal/infrastructure/storage/postgres"
	"fieldsync/internal/utils/logger"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fieldsync-server",
	Short: "Reference record server for fieldsync clients",
	Long: `Serves the record API backed by PostgreSQL.

Configuration comes from the environment or .env:
  DATABASE_URI     PostgreSQL connection string
  API_TOKEN_HASH   bcrypt hash of the bearer token (see 'fieldsync-server token')
  RUN_ADDRESS      listen address, default :8080
  APP_ENV          local, dev or prod
  LOG_LEVEL        debug, info, warn or error`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token [token]",
	Short: "Generate a bearer token and the hash the server stores",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			generated, err := crypto.GenerateToken()
			if err != nil {
				return err
			}
			token = generated
		}

		hash, err := crypto.HashToken(token)
		if err != nil {
			return err
		}
		fmt.Printf("token:          %s\n", token)
		fmt.Printf("API_TOKEN_HASH: %s\n", hash)
		return nil
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWithLevel(cfg.Env, cfg.Logger.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := postgres.New(ctx, cfg.DB.DatabaseURI)
	if err != nil {
		log.Error("failed to init storage", "error", err)
		return err
	}
	defer storage.Close()

	repo := postgres.NewAuthorityRepository(storage.Pool(), log)
	router := api.New(api.Deps{
		DB:        storage,
		Authority: authority.NewService(repo, log),
		TokenHash: cfg.Server.APITokenHash,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Server.RunAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", "address", cfg.Server.RunAddress, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

func main() {
	rootCmd.AddCommand(tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
