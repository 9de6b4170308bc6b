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

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/config"
	"github.com/damacus/datalab-buckets/internal/handlers"
	"github.com/damacus/datalab-buckets/internal/logging"
	customMiddleware "github.com/damacus/datalab-buckets/internal/middleware"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/transport"
	"github.com/damacus/datalab-buckets/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "datalab-server",
		Short:         "Serve the DataLab bucket browser API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	return cmd
}

// serverDeps are the collaborators newServer talks to outside the process.
type serverDeps struct {
	Factory   services.StorageFactory
	Login     handlers.LoginClient
	Refresher auth.Refresher
}

func run(ctx context.Context, cfg *config.Config) error {
	log, closer := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
	})
	defer func() { _ = closer.Close() }()

	httpOpts := cfg.HTTP.TransportOptions()
	httpClient := transport.NewClient(httpOpts, log)
	authClient := auth.NewClient(cfg.Auth.URL, httpClient, log)

	deps := serverDeps{
		Factory: &services.RealStorageFactory{
			HTTPClient:      httpClient,
			StreamingClient: transport.NewStreamingClient(httpOpts, log),
			Log:             log,
		},
		Login:     authClient,
		Refresher: authClient,
	}

	e, registry := newServer(cfg, log, deps)
	defer registry.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Int("endpoints", len(cfg.Endpoints)).Msg("starting server")
		errCh <- e.Start(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newServer(cfg *config.Config, log zerolog.Logger, deps serverDeps) (*echo.Echo, *browser.Registry) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Services
	authService := services.NewAuthService(cfg.Server.SessionKey,
		services.WithSessionLifetime(cfg.Server.SessionLifetime))
	var gateOpts []auth.GateOption
	if cfg.Auth.RefreshThreshold > 0 {
		gateOpts = append(gateOpts, auth.WithThreshold(cfg.Auth.RefreshThreshold))
	}
	registry := browser.NewRegistry(browser.RegistryOptions{
		Endpoints: cfg.Endpoints,
		Factory:   deps.Factory,
		Refresher: deps.Refresher,
		Upload: upload.Options{
			Concurrency:    cfg.Upload.Concurrency,
			BytesPerSecond: cfg.Upload.BytesPerSecond,
		},
		Gate:        gateOpts,
		IdleTimeout: cfg.Server.SessionIdle,
	}, log)

	authHandler := handlers.NewAuthHandler(authService, deps.Login, registry, log)
	bucketsHandler := handlers.NewBucketsHandler(registry, log)
	endpointsHandler := handlers.NewEndpointsHandler(registry)

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(customMiddleware.SecurityHeaders())
	e.Use(customMiddleware.CSRF())
	// Apply auth middleware globally - it will skip public routes internally
	e.Use(customMiddleware.AuthMiddleware(authService, log))
	e.Use(customMiddleware.Reseal(registry, func(c echo.Context, sess services.Session) error {
		return handlers.SetSessionCookie(c, authService, sess)
	}))

	// Public Routes (auth middleware will skip these)
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.POST("/login", authHandler.Login)
	e.GET("/logout", authHandler.Logout)

	// Protected Routes
	e.GET("/api/me", authHandler.Me)
	e.GET("/api/endpoints", endpointsHandler.ListEndpoints)
	e.GET("/api/endpoints/status", endpointsHandler.EndpointStatus)
	e.GET("/api/buckets", bucketsHandler.ListBuckets)

	// Object Browser
	b := e.Group("/api/buckets/:bucket/endpoint/:endpoint")
	b.GET("", bucketsHandler.BrowseBucket)
	b.POST("/select", bucketsHandler.Select)
	b.POST("/expand", bucketsHandler.Expand)
	b.POST("/folders/placeholder", bucketsHandler.AddPlaceholder)
	b.DELETE("/folders/placeholder", bucketsHandler.CancelPlaceholder)
	b.POST("/folders", bucketsHandler.CreateFolder)
	b.POST("/delete", bucketsHandler.DeleteObjects)
	b.GET("/download", bucketsHandler.DownloadObject)
	b.GET("/zip", bucketsHandler.DownloadZip)

	// Upload queue
	b.POST("/upload", bucketsHandler.UploadObjects)
	b.GET("/uploads", bucketsHandler.ListUploads)
	b.POST("/uploads/clear", bucketsHandler.ClearUploads)
	b.DELETE("/uploads/:id", bucketsHandler.RemoveUpload)
	b.POST("/uploads/:id/retry", bucketsHandler.RetryUpload)

	return e, registry
}
