package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apolotel/billingcore/internal/bootstrap"
	"github.com/apolotel/billingcore/pkg/mlog"
)

func main() {
	logger := mlog.InitializeLogger()
	defer func() { _ = logger.Sync() }()

	cfg := bootstrap.LoadConfig()

	service, err := bootstrap.NewService(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize billingcore service: %v\n", err)
		os.Exit(1)
	}

	if err := bootstrap.RunMigrations(service, "migrations", logger); err != nil {
		logger.Errorf("billingcore: migrations: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("billingcore: %v", err)
		os.Exit(1)
	}
}
