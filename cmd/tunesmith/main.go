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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tunesmith/internal/config"
	"tunesmith/internal/delivery"
	"tunesmith/internal/dispatch"
	"tunesmith/internal/generate"
	"tunesmith/internal/httpapi"
	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
	"tunesmith/internal/memory"
	"tunesmith/internal/perception"
	"tunesmith/internal/tasklog"
	"tunesmith/internal/verify"
)

var (
	// Global flags
	cfgPath string
	debug   bool
	addr    string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tunesmith",
	Short: "tunesmith - asynchronous music recommendation service",
	Long: `tunesmith answers music requests asynchronously: every request gets an
immediate acknowledgement, then a background pipeline extracts the intent,
searches the local catalog, falls back to a generative collaborator when the
catalog comes up empty, fact-checks the results, and posts the final
recommendation through the configured relay callback.

Verified fallback songs are written back to the catalog, so the service
learns as it runs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recommendation service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "tunesmith.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "listen address override (e.g. :8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe() error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	client, err := perception.NewClientFromConfig(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build collaborator client: %w", err)
	}

	store, err := knowledge.NewStore(cfg.Store.DataPath, logger.Named("store"),
		knowledge.WithMatchThreshold(cfg.Store.MatchThreshold),
		knowledge.WithLookupLimit(cfg.Store.LookupLimit))
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}

	mem := memory.NewManager(cfg.Memory.WindowSize, cfg.Memory.IdleTTL, logger.Named("memory"))

	var deliverer delivery.Deliverer = delivery.NewRelay(delivery.Config{
		URL:        cfg.Delivery.RelayURL,
		MaxRetries: cfg.Delivery.MaxRetries,
		Backoff:    cfg.Delivery.Backoff,
		Timeout:    cfg.Delivery.Timeout,
	}, logger.Named("delivery"))

	var interactions *tasklog.Log
	if cfg.Log.Enabled {
		interactions, err = tasklog.Open(cfg.Log.Path, logger.Named("tasklog"))
		if err != nil {
			return fmt.Errorf("open interaction log: %w", err)
		}
		defer interactions.Close()
		deliverer = tasklog.NewRecordingDeliverer(deliverer, interactions, logger.Named("tasklog"))
	}

	dispatcher := dispatch.NewDispatcher(cfg.Dispatcher, dispatch.Deps{
		Extractor: intent.NewExtractor(client, logger.Named("intent")),
		Store:     store,
		Generator: generate.NewGenerator(client, logger.Named("generate")),
		Verifier:  verify.NewVerifier(client, logger.Named("verify")),
		Memory:    mem,
		Deliverer: deliverer,
		Logger:    logger.Named("dispatch"),
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	api := httpapi.NewServer(dispatcher, store, mem, interactions, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
