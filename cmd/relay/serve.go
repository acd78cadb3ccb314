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
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/api"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

func newServeCmd() *cobra.Command {
	var webhookURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Telegram webhook over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, webhookURL)
		},
	}
	cmd.Flags().StringVar(&webhookURL, "register-webhook", "", "call setWebhook with this public URL before serving")
	return cmd
}

func runServe(ctx context.Context, cfg config.RelayConfig, webhookURL string) error {
	rt, err := newRuntime(cfg, "webhook")
	if err != nil {
		return err
	}

	if webhookURL != "" {
		tg, ok := rt.platform.(*telegram.Client)
		if !ok {
			return fmt.Errorf("--register-webhook needs RELAY_COMMANDER=telegram")
		}
		if err := tg.SetWebhook(ctx, webhookURL, cfg.WebhookSecret); err != nil {
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		rt.logger.Info("webhook registered", "url", webhookURL)
	}

	handler := api.NewHandler(rt.service, cfg.WebhookSecret, rt.registry, rt.logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rt.logger.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if serr := rt.shutdown(); serr != nil && err == nil {
		err = serr
	}
	if err == nil {
		rt.logger.Info("server stopped")
	}
	return err
}
