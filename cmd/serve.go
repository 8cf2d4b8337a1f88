package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/api"
	"github.com/spigell/qcs-matcher/internal/logger"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scoring and matching HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address, overrides server.addr")
	viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

// setup builds the logger and the decoded config shared by every command.
func setup() (*zap.Logger, *Config) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	return logger, config
}

func redacted(c *Config) Config {
	out := *c
	if out.AI.APIKey != "" {
		out.AI.APIKey = "***"
	}
	if out.Store.Postgres.Password != "" {
		out.Store.Postgres.Password = "***"
	}
	out.Store.Postgres.URL = ""
	if out.Redis != nil && out.Redis.Password != "" {
		r := *out.Redis
		r.Password = "***"
		out.Redis = &r
	}
	return out
}

func serve() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, config := setup()
	defer logger.Sync()

	logger.Info("starting the qcs-matcher", zap.String("version", version))

	shutdownTracing, err := tracing.Setup(ctx, config.Tracing, app, version)
	if err != nil {
		logger.Fatal("setting up tracing", zap.Error(err))
	}

	c, err := newComponents(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}

	srv := api.New(config.Server, c.scorer, c.matcher, logger, c.metrics, app, version)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "signal received"))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := c.Close(); err != nil {
		logger.Error("closing components", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("flushing traces", zap.Error(err))
	}
	logger.Info("stopped")
}
