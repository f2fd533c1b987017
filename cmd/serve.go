package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reservoir/internal/extraction"
	"reservoir/internal/handlers"
	"reservoir/internal/metrics"
	"reservoir/internal/repository"
	"reservoir/internal/services"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *deps) error {
	m := metrics.New(prometheus.DefaultRegisterer)
	downloads := InitDownloadCache(ctx, rt, m)

	modelRepo := repository.NewModelRepository(rt.db)
	changeRepo := repository.NewChangeRepository(rt.db)
	validator := extraction.NewValidator()
	validator.ScratchRoot = rt.cfg.App.ScratchDir

	h := handlers.NewModelHandler(
		services.NewUploadService(rt.db, modelRepo, repository.NewCategoryRepository(rt.db), changeRepo,
			rt.store, validator, rt.cfg.App.ScratchDir, rt.log, m),
		services.NewDeletionService(rt.db, modelRepo, changeRepo, rt.store, downloads, rt.log, m),
		services.NewModelService(modelRepo, rt.store, downloads),
		rt.log,
	)

	app := fiber.New(fiber.Config{
		BodyLimit:             rt.cfg.App.BodyLimit,
		DisableStartupMessage: rt.cfg.Production(),
	})

	// Register Prometheus metrics endpoint
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	h.Register(api, handlers.RequireAuthor(repository.NewAuthorRepository(rt.db), rt.cfg.Auth.DevEmail, rt.log))
	api.Get("/swagger/*", swagger.HandlerDefault)

	for _, r := range app.GetRoutes(true) {
		rt.log.Debug("registered route", "method", r.Method, "path", r.Path)
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info("server listening", "port", rt.cfg.App.Port, "backend", rt.cfg.Storage.Backend)
		errCh <- app.Listen(":" + rt.cfg.App.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	rt.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
