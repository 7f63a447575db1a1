package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/claude"
	"github.com/gatehouse-sh/gatehouse/internal/config"
	"github.com/gatehouse-sh/gatehouse/internal/crypto"
	"github.com/gatehouse-sh/gatehouse/internal/debuglog"
	"github.com/gatehouse-sh/gatehouse/internal/monitor"
	"github.com/gatehouse-sh/gatehouse/internal/sandbox"
	"github.com/gatehouse-sh/gatehouse/internal/server"
	"github.com/gatehouse-sh/gatehouse/internal/session"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [env-file]",
		Short: "Start the gateway (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if envFile := resolveEnvFile(cmd, args); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	debugBuf := debuglog.NewBuffer(0)
	logger := buildLogger(cfg.Logging, debugBuf)

	st, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	cipher, err := crypto.New(cfg.Auth.EncryptionKey)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init cipher: %w", err)
	}
	cookies, err := auth.NewCookieSigner(cfg.Auth.AppSecret)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init cookie signer: %w", err)
	}
	tickets, err := auth.NewTicketIssuer(cfg.Auth.AppSecret)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init ticket issuer: %w", err)
	}
	google, err := auth.NewGoogleVerifier(cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret, cfg.OAuthCallbackURL(), cfg.Auth.AllowedEmail)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init google verifier: %w", err)
	}
	box, err := sandbox.New(cfg.Sandbox.Container, cfg.Sandbox.Image, cfg.Sandbox.Workspace, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("init sandbox: %w", err)
	}

	tokens := claude.NewTokenStore(st, cipher)
	sessions := session.New(session.Config{Store: st, Logger: logger})
	collector := monitor.New(monitor.Config{
		Store:     st,
		Container: box,
		Tokens:    tokens,
		Version:   version,
		Logger:    logger,
	})

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    st,
		Cookies:  cookies,
		Tickets:  tickets,
		Google:   google,
		Sessions: sessions,
		Tokens:   tokens,
		Flow:     claude.NewClient(),
		Sandbox:  box,
		Monitor:  collector,
		Debug:    debugBuf,
		Logger:   logger,
	})

	if !cfg.SecureCookies() {
		logger.Warn("public URL is not https; session cookies are sent without the Secure flag (development only)")
	}
	if cfg.Server.UIDir != "" {
		if _, err := os.Stat(cfg.Server.UIDir); os.IsNotExist(err) {
			logger.Warn("UI directory does not exist", "path", cfg.Server.UIDir)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv.StartBackgroundTasks(ctx)
	logger.Info("gatehouse starting", "version", version, "public_url", cfg.Server.PublicURL)

	httpSrv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatehouse listening", "addr", cfg.Addr())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelShutdown()

		// The agent winds down first so connected browsers see the
		// session end before their sockets close.
		sessions.Shutdown(shutdownCtx)

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = httpSrv.Close()
		}
		_ = st.Close()
		logger.Info("shutdown complete")
		return nil

	case err := <-errCh:
		_ = st.Close()
		return err
	}
}

// buildLogger assembles the slog handler chain: level and format from config,
// teed into the in-memory debug ring the /api/debug endpoint reads.
func buildLogger(cfg config.LoggingConfig, buf *debuglog.Buffer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(debuglog.NewHandler(handler, buf))
}

// resolveEnvFile returns the env file path from (in priority order):
// 1. Positional argument
// 2. --env-file / -e flag
// 3. Empty; config.FromEnv still folds in ./.env when present.
func resolveEnvFile(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Root().PersistentFlags().Lookup("env-file"); f != nil && f.Changed {
		return f.Value.String()
	}
	return ""
}
