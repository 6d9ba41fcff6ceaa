package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livenudge/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	err = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
}
