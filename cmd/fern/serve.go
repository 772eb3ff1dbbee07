package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint and the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume backfill jobs in this process")
	return cmd
}

func runServe(parent context.Context, withWorker bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.stop(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("shutdown finished with errors")
		}
	}()

	if err := a.start(ctx); err != nil {
		return err
	}

	e, err := a.routes(ctx)
	if err != nil {
		return err
	}

	if withWorker {
		processor := a.processor()
		if err := processor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job processor: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = processor.Stop(stopCtx)
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// routes builds the HTTP surface. Webhooks and health are public; everything under /api/v1
// goes through bearer authentication when it is enabled.
func (a *app) routes(ctx context.Context) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.checker.Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handlers.NewWebhookHandler(a.service, a.cfg.WebhookBodyLimit).RegisterRoutes(e)

	api := e.Group("/api/v1")
	if a.cfg.AuthEnabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC issuer: %w", err)
		}
		api.Use(middleware.Authentication(a.logger, verifier))
	} else {
		a.logger.Warn("API authentication is disabled; tenants are taken from the X-Tenant-ID header")
	}

	handlers.NewOrganizationHandler(a.organizations).RegisterRoutes(api)
	handlers.NewIntegrationHandler(a.service, a.organizations, a.integrations, a.jobs, a.cfg.PublicBaseURL).RegisterRoutes(api)
	handlers.NewServiceTypeHandler(a.registry).RegisterRoutes(api)
	handlers.NewDLQHandler(a.dlq, a.organizations, a.streams, a.cfg.RedisStreamsJobQueue).RegisterRoutes(api)
	return e, nil
}
