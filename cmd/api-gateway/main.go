package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/upb/x402-guard/app"
	"github.com/upb/x402-guard/auth"
	"github.com/upb/x402-guard/config"
	"github.com/upb/x402-guard/internal/observability"
	"github.com/upb/x402-guard/routes"
	"go.uber.org/zap"
)

// options are the command line flags; everything else comes from the environment
type options struct {
	envFiles   []string
	seedPath   string
	initSchema bool
	issueToken string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("api-gateway", pflag.ContinueOnError)
	fs.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "env files to load before reading the environment")
	fs.StringVar(&opts.seedPath, "seed", "", "YAML file of guards to create at startup")
	fs.BoolVar(&opts.initSchema, "init-schema", false, "create the database tables before serving")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print a bearer token for this address and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "api-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New(ctx, opts.envFiles...)
	if err != nil {
		return err
	}

	if opts.issueToken != "" {
		return issueToken(cfg, opts.issueToken, stdout)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.Error("failed to close dependencies", zap.Error(err))
		}
	}()

	if opts.initSchema {
		if err := deps.InitSchema(ctx); err != nil {
			return err
		}
	}

	if opts.seedPath != "" {
		ids, err := deps.LoadSeed(ctx, opts.seedPath)
		if err != nil {
			return fmt.Errorf("failed to load seed: %w", err)
		}
		logger.Info("seed loaded", zap.Int("guards", len(ids)))
	}

	srv := newServer(cfg, routes.SetupRoutes(deps))
	return serve(ctx, srv, cfg, logger)
}

// issueToken prints a signed token so operators can call mutating routes
func issueToken(cfg *config.Config, address string, stdout io.Writer) error {
	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(address)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n# expires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
	return err
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

// serve runs the server until ctx is cancelled, then drains in-flight requests
func serve(ctx context.Context, srv *http.Server, cfg *config.Config, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api-gateway listening",
			zap.String("addr", srv.Addr),
			zap.Bool("tls", cfg.Server.TLS.Enabled),
			zap.String("environment", cfg.Environment),
		)

		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down api-gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("api-gateway stopped")
	return nil
}
