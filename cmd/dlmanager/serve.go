package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/user/download-manager/internal/delivery/http/handler"
	"github.com/user/download-manager/internal/delivery/http/router"
	"github.com/user/download-manager/internal/usecase"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the download workers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.manager.Start(ctx); err != nil {
		return errors.Wrap(err, "start download manager")
	}

	h := handler.NewHandler(a.manager, a.cfg.StopTimeout, a.logger, a.checks...)
	server := &http.Server{
		Addr:         ":" + a.cfg.ServerPort,
		Handler:      router.New(h, a.metrics, a.promReg, a.logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: a.cfg.StopTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("Starting server", zap.String("port", a.cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on port %s", a.cfg.ServerPort)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout)
		defer cancel()
		return errors.CombineErrors(
			server.Shutdown(shutdownCtx),
			a.manager.Stop(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("Server exited")
	return nil
}

var _ handler.DownloadManager = (*usecase.Manager)(nil)
