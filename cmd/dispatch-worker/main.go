// Command dispatch-worker claims and executes import, export and AI jobs.
//
// Usage:
//
//	dispatch-worker [-env .env] [-queues import,export,ai]
//
// Every setting comes from the environment; see dispatch.Config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Mudityadev/charles-map/dispatch"
	audithook "github.com/Mudityadev/charles-map/dispatch/audit_hook"
	"github.com/Mudityadev/charles-map/dispatch/engine"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/tasks"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	queues := flag.String("queues", "import,export,ai", "comma-separated job families to serve")
	flag.Parse()

	if err := run(*envFile, *queues); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-worker:", err)
		os.Exit(1)
	}
}

func run(envFile, queues string) error {
	cfg, err := dispatch.LoadConfig(envFile)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stdout)

	families, err := parseFamilies(queues)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Build(ctx, cfg,
		engine.WithLogger(logger),
		engine.WithServe(families...),
		engine.WithExtension(audithook.New(audithook.LogRecorder(logger), audithook.WithLogger(logger))),
	)
	if err != nil {
		return err
	}
	tasks.Default(logger).Register(eng.Registry(), families...)

	logger.Info("dispatch worker starting",
		slog.String("driver", cfg.BrokerDriver),
		slog.String("queues", queues),
	)
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("dispatch worker stopped")
	return nil
}

func parseFamilies(s string) ([]job.Family, error) {
	var out []job.Family
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, err := job.ParseFamily(name)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queues selected")
	}
	return out, nil
}
