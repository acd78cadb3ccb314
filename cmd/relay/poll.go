package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatrelay/internal/api"
	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

const pollRetryDelay = 3 * time.Second

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Long-poll getUpdates instead of receiving a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPoll(ctx, cfg)
		},
	}
}

func runPoll(ctx context.Context, cfg config.RelayConfig) error {
	rt, err := newRuntime(cfg, "poll")
	if err != nil {
		return err
	}

	// getUpdates is refused while a webhook is set.
	if tg, ok := rt.platform.(*telegram.Client); ok {
		if err := tg.DeleteWebhook(ctx); err != nil {
			rt.logger.Warn("failed to delete webhook", "error", err)
		}
	}

	p := &poller{
		source:     rt.platform,
		dispatcher: rt.service,
		timeout:    cfg.Timeout,
		retryDelay: pollRetryDelay,
		logger:     rt.logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.run(gctx) })
	g.Go(func() error { return rt.sweeper.Run(gctx) })

	err = g.Wait()
	if serr := rt.shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

// poller feeds getUpdates results to the dispatcher, one goroutine per update.
type poller struct {
	source     cmdpkg.Source
	dispatcher api.Dispatcher
	timeout    int
	retryDelay time.Duration
	logger     *slog.Logger
	offset     int64
}

func (p *poller) run(ctx context.Context) error {
	p.logger.Info("polling for updates", "timeout", p.timeout)
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := p.source.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("getUpdates error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}
		for _, update := range updates {
			if update.UpdateID >= p.offset {
				p.offset = update.UpdateID + 1
			}
			p.dispatcher.Dispatch(update)
		}
	}
}
