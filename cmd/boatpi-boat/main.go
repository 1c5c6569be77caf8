// Command boatpi-boat runs the endpoint on board: it echoes frames between
// peers and publishes the boat status on a fixed interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/boatpi/boatpi/internal/boat"
	"github.com/boatpi/boatpi/internal/config"
	xlog "github.com/boatpi/boatpi/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
		interval   time.Duration
	)
	flagSet := pflag.NewFlagSet("boatpi-boat", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")
	flagSet.IntVar(&port, "port", 0, "override boat port")
	flagSet.DurationVar(&interval, "status-interval", 0, "override the status publish interval")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Boat.Port = port
	}
	if interval > 0 {
		cfg.Boat.StatusInterval = interval
	}

	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "boatpi-boat"})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := boat.New(cfg.Boat)
	srv := &http.Server{
		Addr:              cfg.BoatAddr(),
		Handler:           b.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("boat listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return b.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
