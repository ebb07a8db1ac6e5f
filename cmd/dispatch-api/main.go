// Command dispatch-api serves the job submission and status routes. It
// runs no workers; start dispatch-worker for that.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/api"
	"github.com/Mudityadev/charles-map/dispatch/engine"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-api:", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := dispatch.LoadConfig(envFile)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Build(ctx, cfg, engine.WithLogger(logger), engine.WithServe())
	if err != nil {
		return err
	}
	e := api.New(eng, logger).Echo()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch api listening", slog.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", slog.String("error", err.Error()))
		}
		return eng.Stop(shutdownCtx)
	})
	return g.Wait()
}
