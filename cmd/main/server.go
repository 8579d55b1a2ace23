package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"toolgate/internal/api"
	"toolgate/internal/config"
	"toolgate/internal/db"
	"toolgate/internal/db/repositories"
	"toolgate/internal/embeddings"
	"toolgate/internal/gateway"
	"toolgate/internal/hub"
	"toolgate/internal/idempotency"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
	"toolgate/internal/resilience"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(cfg)

	providers, err := config.LoadProviders(cfg.ProvidersPath)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	repos := repositories.New(database)

	var embedder embeddings.Embedder = embeddings.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	reg := registry.New(repos, embedder)

	h := hub.New(reg, providers)
	if err := h.ConnectAll(ctx); err != nil {
		logging.Error("not all providers connected at startup: %v", err)
	}

	retries := resilience.NewRetryManager(repos.RetryBudgets, config.RetryOverrides(providers))
	circuits := resilience.NewCircuitRegistry()
	coordinator := idempotency.New(repos.Idempotency)

	gw := gateway.New(reg, h, circuits, retries, coordinator)

	maintenance := gateway.StartMaintenance(coordinator, repos.ToolCalls, h)
	defer maintenance.Stop()

	apiServer := api.New(cfg, database, gw, reg, h, embedder)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logging.Error("API server shutdown error: %v", err)
		}
	}()

	logging.Info("Toolgate is running on port %d with %d configured providers", cfg.APIPort, len(providers))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logging.Info("received shutdown signal, draining")

	// Stop accepting HTTP traffic first, then tear down provider sessions.
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	h.Shutdown(shutdownCtx)

	logging.Info("shutdown complete")
	return nil
}

// applyFlagOverrides lets serve flags and TOOLGATE_* viper values win over
// the defaults collected by config.Load.
func applyFlagOverrides(cfg *config.Config) {
	if port := viper.GetInt("api_port"); port > 0 {
		cfg.APIPort = port
	}
	if dbURL := viper.GetString("database_url"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if providers := viper.GetString("providers"); providers != "" {
		cfg.ProvidersPath = providers
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}
}
