package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/wxfhbridge/internal/config"
	"github.com/tgifai/wxfhbridge/internal/pkg/logs"
	"github.com/tgifai/wxfhbridge/internal/supervisor"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the bridge: protocol engine, dispatcher, scheduler, and HTTP surface",
		Action: r.run,
	}
}

func (r *ServeRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load()

	if err := r.initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logs.CtxInfo(ctx, "booting wxfhbridge, entry host %s, http bind %s", cfg.Engine.EntryHost, cfg.HTTP.Bind)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sv, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}
	if err := sv.Start(ctx); err != nil {
		cancel()
		sv.Stop(context.Background())
		return fmt.Errorf("start supervisor: %w", err)
	}

	logs.CtxInfo(ctx, "bridge is up. press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "received shutdown signal (%s), stopping...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "context canceled, stopping...")
	}

	sv.Stop(context.Background())
	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

func (r *ServeRunner) initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}
