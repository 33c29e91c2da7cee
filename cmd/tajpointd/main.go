package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tajpoint/internal/app"
	"tajpoint/internal/eventbus"
	logx "tajpoint/pkg/logx"
)

func main() {
	var (
		cfgPath   string
		clearData bool
		stdio     bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.BoolVar(&clearData, "clear-data", false, "wipe the dedup ledger, stored records and audit history, then exit")
	flag.BoolVar(&stdio, "stdio", false, "exchange page/worker messages as JSON lines on stdin/stdout")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if clearData {
		if err := runClear(ctx, cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	// One bus outlives app restarts so signal and stdio bridges keep working
	// across an accepted update.
	bus := eventbus.New()
	go forwardSignals(ctx, bus)
	if stdio {
		// stdout carries bridge messages.
		logx.SetConsole(os.Stderr)
		go func() {
			if err := app.Bridge(ctx, bus, os.Stdin, os.Stdout, logx.Nop()); err != nil {
				fmt.Fprintln(os.Stderr, "stdio bridge:", err)
			}
		}()
	}

	if err := run(ctx, cfgPath, bus); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runClear(ctx context.Context, cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Store().Close() }()
	return a.ClearData(ctx)
}

// run starts the app and restarts it whenever an accepted update asks for a
// reload, until ctx ends.
func run(ctx context.Context, cfgPath string, bus eventbus.Bus) error {
	for {
		a, err := app.NewApp(cfgPath, app.WithBus(bus))
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

		wdCtx, stopWatchdog := context.WithCancel(ctx)
		go watchdog(wdCtx)

		reload := false
		select {
		case <-ctx.Done():
		case <-a.ReloadRequested():
			reload = true
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
		case <-a.Done():
		}
		stopWatchdog()

		if !reload {
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		}
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(stopCtx)
		c()

		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if !reload {
			return nil
		}
	}
}

// watchdog pings systemd at half the configured interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// forwardSignals maps SIGUSR1 to "page visible" and SIGUSR2 to "page focus".
func forwardSignals(ctx context.Context, bus eventbus.Bus) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			switch s {
			case syscall.SIGUSR1:
				eventbus.Post(bus, eventbus.PageVisible, nil)
			case syscall.SIGUSR2:
				eventbus.Post(bus, eventbus.PageFocus, nil)
			}
		}
	}
}
