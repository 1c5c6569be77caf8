// Command boatpi-relay serves cockpits and keeps the link to the boat.
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

	"github.com/boatpi/boatpi/internal/config"
	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/relay"
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
		boatURL    string
	)
	flagSet := pflag.NewFlagSet("boatpi-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")
	flagSet.IntVar(&port, "port", 0, "override relay port")
	flagSet.StringVar(&boatURL, "boat", "", "websocket URL of the boat (overrides relay.boat_address)")
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
		cfg.Relay.Port = port
	}
	if boatURL != "" {
		cfg.Relay.BoatAddress = boatURL
	}

	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "boatpi-relay"})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := relay.New(cfg.Relay)

	srv := &http.Server{
		Addr:              cfg.RelayAddr(),
		Handler:           r.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("boat", cfg.Relay.BoatAddress).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
