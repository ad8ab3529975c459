package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossmaurice/iceoryx/internal/infrastructure/config"
	"github.com/mossmaurice/iceoryx/internal/infrastructure/server"
	"github.com/mossmaurice/iceoryx/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override env
	flag.Func("monitoring-mode", "process monitoring: on or off (default "+cfg.RouDi.MonitoringMode.String()+")",
		func(s string) error { return cfg.RouDi.MonitoringMode.UnmarshalText([]byte(s)) })
	flag.Func("compatibility", "version check: off, major, minor, patch, commit_id or build_date (default "+cfg.RouDi.Compatibility.String()+")",
		func(s string) error { return cfg.RouDi.Compatibility.UnmarshalText([]byte(s)) })
	flag.Func("thread-start", "message loop start: immediate or deferred (default "+cfg.RouDi.ThreadStart.String()+")",
		func(s string) error { return cfg.RouDi.ThreadStart.UnmarshalText([]byte(s)) })
	flag.BoolVar(&cfg.RouDi.KillProcesses, "kill-processes", cfg.RouDi.KillProcesses, "kill registered processes on shutdown")
	flag.StringVar(&cfg.Memory.File, "config", cfg.Memory.File, "mempool layout file (.toml, .yaml)")
	flag.IntVar(&cfg.Memory.MaxProcesses, "max-processes", cfg.Memory.MaxProcesses, "process table capacity")
	flag.StringVar(&cfg.Introspection.Addr, "http-addr", cfg.Introspection.Addr, "introspection listen address")
	flag.BoolVar(&cfg.Introspection.Enabled, "http", cfg.Introspection.Enabled, "serve introspection over HTTP")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug, info, warn, error")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "development logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to start RouDi: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
}
