package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/hotswap/internal/config"
	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	tick := flag.Duration("tick", 16*time.Millisecond, "frame interval for dispatching notifications")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}

	rt, err := injector.InitializeRuntime(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error building runtime:", err)
		os.Exit(1)
	}
	logger := rt.Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = rt.Start(ctx); err != nil {
		logger.Error("failed to start runtime", log.Error(err))
		os.Exit(1)
	}

	_ = rt.Run(ctx, *tick)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err = rt.Stop(stopCtx); err != nil {
		logger.Error("failed to stop runtime", log.Error(err))
	}
}
