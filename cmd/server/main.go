package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"analysis-gateway/internal/factory"
	"analysis-gateway/internal/handler"
	"analysis-gateway/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := handler.NewRouter(f.Handler(), f.Limiter(), f.Monitor(), cfg, util.Get())

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	janitor := cron.New()
	if _, err := janitor.AddFunc("@every "+cfg.Queue.JanitorInterval.String(), func() {
		jctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.JanitorInterval)
		defer cancel()
		f.Admission().RunJanitor(jctx)
	}); err != nil {
		util.Fatal("Failed to schedule janitor", util.ErrorField(err))
	}
	janitor.Start()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		util.Info("Starting HTTP server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		util.Info("Shutdown signal received")

		janitorCtx := janitor.Stop()
		<-janitorCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
		os.Exit(1)
	}
	util.Info("Server stopped")
}
