// Command alpamon is the host agent daemon: it loads configuration, runs
// the supervisor's startup sequence, and blocks until an OS signal or an
// internal quit/restart command ends the process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/config"
	"github.com/alpacax/alpamon-go/internal/supervisor"
)

var version = "dev"

func main() {
	debug := flag.Bool("debug", false, "log at debug level regardless of the config file")
	flag.Parse()

	supervisor.Version = version
	alog.SetProgram("alpamon")

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "alpamon: %v\n", err)
		os.Exit(1)
	}
	if settings.Debug || *debug {
		alog.SetLevel(alog.LevelDebug)
	} else {
		alog.SetLevel(alog.LevelInfo)
	}

	sup, err := supervisor.New(settings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alpamon: %v\n", err)
		os.Exit(1)
	}
	sup.InstallLogHook()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		sup.Quit()
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "alpamon: %v\n", err)
		os.Exit(1)
	}
}
