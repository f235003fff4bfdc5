package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"spacetime-relay/internal/app"
	"spacetime-relay/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath     string
		listen         string
		upstreamHost   string
		upstreamPort   string
		module         string
		retryUnbounded bool
		exitOnFailure  bool
	)

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file (default: $"+app.ConfigEnv+")")
	flagSet.StringVar(&listen, "listen", "", "address to serve clients on")
	flagSet.StringVar(&upstreamHost, "upstream-host", "", "backing store host")
	flagSet.StringVar(&upstreamPort, "upstream-port", "", "backing store port")
	flagSet.StringVar(&module, "module", "", "backing store module name")
	flagSet.BoolVar(&retryUnbounded, "retry-unbounded", false, "retry the upstream connection forever")
	flagSet.BoolVar(&exitOnFailure, "exit-on-failure", false, "exit once the upstream retry budget is spent")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if configPath == "" {
		configPath = os.Getenv(app.ConfigEnv)
	}

	cfg := app.DefaultConfig()
	if configPath != "" {
		loaded, err := app.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.LookupEnv, telemetry.DefaultLogger(nil))

	if flagSet.Changed("listen") {
		cfg.Listen = listen
	}
	if flagSet.Changed("upstream-host") {
		cfg.Upstream.Host = upstreamHost
	}
	if flagSet.Changed("upstream-port") {
		cfg.Upstream.Port = upstreamPort
	}
	if flagSet.Changed("module") {
		cfg.Upstream.Module = module
	}
	if flagSet.Changed("retry-unbounded") {
		cfg.Upstream.Retry.Unbounded = retryUnbounded
	}
	if flagSet.Changed("exit-on-failure") {
		cfg.Upstream.ExitOnFailure = exitOnFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg)
}
