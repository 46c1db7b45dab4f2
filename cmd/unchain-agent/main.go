// Package main is the entry point for unchain-agent, a sidecar that keeps an
// in-memory copy of the configured projects' flags and answers evaluation
// requests over HTTP.
//
// The serve sequence is:
//  1. Load configuration from environment variables (and .env).
//  2. Build the unchain client and wait briefly for the first sync.
//  3. Wire bearer authentication when AGENT_TOKEN_HASH is set.
//  4. Serve HTTP, and optionally a tailnet listener.
//  5. Wait for SIGINT/SIGTERM, drain requests, then flush usage and stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2/clientcredentials"
	"tailscale.com/tsnet"

	"github.com/matt-riley/unchain"
	"github.com/matt-riley/unchain/internal/config"
	"github.com/matt-riley/unchain/internal/logging"
	"github.com/matt-riley/unchain/internal/metrics"
	"github.com/matt-riley/unchain/internal/middleware"
	"github.com/matt-riley/unchain/internal/server"
	"github.com/matt-riley/unchain/internal/tracing"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("unchain-agent failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "unchain-agent",
		Short:         "Serve unchain flag evaluations over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Synchronise flags and serve the evaluation API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to use as AGENT_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), unchain.Version)
		},
	})

	return root
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, logging.ComponentAgent)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx, unchain.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := unchain.New(unchain.Config{
		APIURL:          cfg.APIURL,
		Token:           tokenSupplier(context.WithoutCancel(ctx), cfg),
		Environment:     cfg.Environment,
		Projects:        cfg.Projects,
		PollInterval:    cfg.PollInterval,
		EnableStreaming: cfg.Streaming,
		WaitForInit:     true,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, unchain.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			log.Error("client shutdown error", "error", err)
		}
	}()

	agentMetrics := metrics.NewAgent()
	apiHandler := server.NewHTTPHandler(client,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetrics(agentMetrics, client.PrometheusRegistry()),
	)

	var authOpts []middleware.AuthOption
	var validator middleware.TokenValidator
	if cfg.TokenHash != "" {
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()
		validator = middleware.NewHashValidator(cfg.TokenHash)
		authOpts = append(authOpts,
			middleware.WithRateLimiter(limiter),
			middleware.WithOnAuthFailure(agentMetrics.IncAuthFailures),
		)
	} else {
		log.Warn("AGENT_TOKEN_HASH is not set, evaluation API is unauthenticated")
	}

	handler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...))
	handler = otelhttp.NewHandler(handler, "unchain-agent-http")

	httpServer := newHTTPServer(cfg.HTTPAddr, handler)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	var tsServer *tsnet.Server
	var tailnetServer *http.Server
	if cfg.TSAuthKey != "" {
		if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}
		tsServer = &tsnet.Server{
			Hostname: cfg.TSHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      cfg.TSStateDir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}
		defer tsServer.Close()

		tailnetListener, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		tailnetServer = newHTTPServer("", handler)
		go func() {
			if err := tailnetServer.Serve(tailnetListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrCh <- fmt.Errorf("serve tailnet: %w", err)
			}
		}()
		log.Info("tailnet listener started", "hostname", cfg.TSHostname)
	}

	log.Info("agent started",
		"http_addr", cfg.HTTPAddr,
		"environment", cfg.Environment,
		"projects", cfg.Projects,
		"instance_id", client.InstanceID(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("agent shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if tailnetServer != nil {
		if err := tailnetServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("tailnet server shutdown error", "error", err)
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
}

// tokenSupplier prefers the client credentials grant when a token URL is
// configured and falls back to the static token.
func tokenSupplier(ctx context.Context, cfg config.Config) unchain.TokenSupplier {
	if cfg.OAuthTokenURL != "" {
		return unchain.ClientCredentials(ctx, clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		})
	}
	if cfg.APIToken != "" {
		return unchain.StaticToken(cfg.APIToken)
	}
	return nil
}

// newHTTPHandler protects /v1/ with bearer auth when validator is non-nil.
// Health and metrics stay public; anything else is not exposed.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := apiHandler
	if validator != nil {
		protectedAPIHandler = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
