package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/internal/app"
)

func main() {
	var (
		cfgPath  string
		envPath  string
		testConn bool
		once     bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&envPath, "env", ".env", "path to .env credential file")
	flag.BoolVar(&testConn, "test-connection", false, "connect and authenticate to the relay, then exit")
	flag.BoolVar(&once, "once", false, "run one delivery pass over due jobs, then exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if testConn || once {
		err := runOneShot(ctx, a, testConn, once)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}

func runOneShot(ctx context.Context, a *app.App, testConn, once bool) error {
	if testConn {
		if err := a.TestConnection(ctx); err != nil {
			return fmt.Errorf("connection test: %w", err)
		}
		fmt.Println("connection OK")
	}
	if once {
		if err := a.TickOnce(ctx); err != nil {
			return fmt.Errorf("delivery pass: %w", err)
		}
	}
	return nil
}
