package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geckos3/server/internal/s3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &s3.Config{}
	var debugLog bool

	root := &cobra.Command{
		Use:          "geckos3",
		Short:        "A minimal S3-compatible object storage server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, debugLog)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.DataDir, "data-dir", getEnv("GECKOS3_DATA_DIR", "./data"), "root directory for buckets")
	flags.StringVar(&cfg.ListenAddr, "listen", getEnv("GECKOS3_LISTEN", ":9000"), "HTTP server address")
	flags.StringVar(&cfg.AccessKey, "access-key", getEnv("GECKOS3_ACCESS_KEY", "geckoadmin"), "AWS access key")
	flags.StringVar(&cfg.SecretKey, "secret-key", getEnv("GECKOS3_SECRET_KEY", "geckoadmin"), "AWS secret key")
	flags.BoolVar(&cfg.AuthEnabled, "auth", parseBoolEnv("GECKOS3_AUTH_ENABLED", true), "enable SigV4 authentication")
	flags.BoolVar(&cfg.FsyncEnabled, "fsync", parseBoolEnv("GECKOS3_FSYNC", false), "fsync files and directories after writes (slower, stronger durability)")
	flags.BoolVar(&debugLog, "debug", parseBoolEnv("GECKOS3_DEBUG", false), "enable verbose development logging")

	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("geckos3 %s\n  commit: %s\n  built:  %s\n", version, commit, date)
			return nil
		},
	}
}

func run(cfg *s3.Config, debugLog bool) error {
	logger, err := s3.NewLogger(debugLog)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	storage := s3.NewFilesystemStorage(cfg.DataDir)
	if cfg.FsyncEnabled {
		storage.SetFsync(true)
		logger.Info("fsync enabled: per-object durability mode (slower writes)")
	}

	var auth s3.Authenticator
	if cfg.AuthEnabled {
		auth = s3.NewSigV4Authenticator(cfg.AccessKey, cfg.SecretKey)
		if cfg.AccessKey == "geckoadmin" || cfg.SecretKey == "geckoadmin" {
			logger.Warn("using default credentials; set GECKOS3_ACCESS_KEY and GECKOS3_SECRET_KEY for production use")
		}
	} else {
		auth = s3.NoOpAuthenticator{}
		logger.Warn("authentication is disabled; all requests will be accepted")
	}

	handler := s3.NewS3Handler(storage, auth)
	wrapped := s3.CORSMiddleware(s3.LoggingMiddleware(logger, s3.MaxClientsMiddleware(1024)(handler)))

	stopGC := s3.StartMultipartGC(cfg.DataDir, time.Hour, 24*time.Hour, logger)
	defer stopGC()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           wrapped,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       6 * time.Hour,
		WriteTimeout:      6 * time.Hour,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    s3.MaxHeaderSize,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting geckos3",
			zap.String("version", version),
			zap.String("addr", cfg.ListenAddr),
			zap.String("data_dir", cfg.DataDir),
			zap.Bool("auth", cfg.AuthEnabled),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseBoolEnv reads an environment variable and parses it with
// strconv.ParseBool, falling back to defaultVal when empty or unparseable.
func parseBoolEnv(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
