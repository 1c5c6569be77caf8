// Command boatpi-captain is a headless cockpit. It keeps a session to the
// relay, logs every notification and reads captain commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/boatpi/boatpi/internal/config"
	xlog "github.com/boatpi/boatpi/internal/log"
	"github.com/boatpi/boatpi/internal/session"
	"github.com/boatpi/boatpi/internal/transport"
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
		address    string
		username   string
		password   string
		resume     bool
		logLevel   string
		logFormat  string
	)
	flagSet := pflag.NewFlagSet("boatpi-captain", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")
	flagSet.StringVar(&address, "url", "", "websocket URL of the relay (overrides captain.address)")
	flagSet.StringVarP(&username, "user", "u", "", "authenticate as this captain on every connect")
	flagSet.StringVarP(&password, "password", "p", "", "captain password")
	flagSet.BoolVar(&resume, "resume", false, "present the last token again after a reconnect")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&logFormat, "log-format", "", "log format (json or console)")
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
	if address != "" {
		cfg.Captain.Address = address
	}
	if username != "" {
		cfg.Captain.Username = username
		cfg.Captain.Password = password
	}
	if flagSet.Changed("resume") {
		cfg.Captain.ResumeSession = resume
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr, Service: "boatpi-captain"})
	logger := xlog.WithComponent("captain")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := append(watch(logger),
		session.WithName("captain"),
		session.WithDialer(transport.NewDialer(
			transport.WithHeader(http.Header{"User-Agent": {userAgent}}),
		)),
		session.WithRetryInterval(cfg.Captain.RetryInterval),
		session.WithSessionResume(cfg.Captain.ResumeSession),
	)
	if cfg.Captain.Username != "" {
		opts = append(opts, session.WithCredentials(cfg.Captain.Username, cfg.Captain.Password))
	}
	client := session.New(cfg.Captain.Address, opts...)
	defer client.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	lines := make(chan string)
	go readLines(ctx, os.Stdin, lines)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				if quit := handleLine(client, logger, line); quit {
					stop()
					return nil
				}
			}
		}
	})

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}

const userAgent = "boatpi-captain"

// watch returns listeners that log every notification the client emits.
func watch(logger zerolog.Logger) []session.Option {
	return []session.Option{
		session.WithListener(session.EventConnected, func(session.Event) {
			logger.Info().Msg("connected to the relay")
		}),
		session.WithListener(session.EventDisconnected, func(session.Event) {
			logger.Warn().Msg("relay connection lost, retrying")
		}),
		session.WithListener(session.EventAuthSuccess, func(session.Event) {
			logger.Info().Msg("authenticated, commands enabled")
		}),
		session.WithListener(session.EventAuthFailure, func(session.Event) {
			logger.Warn().Msg("authentication failed")
		}),
		session.WithListener(session.EventPeerConnected, func(session.Event) {
			logger.Info().Msg("boat is online")
		}),
		session.WithListener(session.EventPeerLost, func(session.Event) {
			logger.Warn().Msg("boat is offline")
		}),
		session.WithListener(session.EventUpdate, func(ev session.Event) {
			logger.Debug().Interface("payload", ev.Payload).Msg("update")
		}),
	}
}

// readLines forwards r line by line until r ends or ctx is done.
func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case out <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// handleLine executes one stdin line and reports whether to quit.
func handleLine(client *session.Client, logger zerolog.Logger, line string) bool {
	in, err := parseLine(line)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring input")
		return false
	}

	switch in.kind {
	case inputAuth:
		client.Authenticate(in.username, in.password)
	case inputCommand:
		if err := client.IssueCommand(in.command); err != nil {
			logger.Warn().Err(err).Msg("command not sent")
		}
	case inputState:
		logger.Info().
			Str("state", client.State().String()).
			Bool("boat", client.PeerPresent()).
			Msg("session state")
	case inputQuit:
		return true
	}
	return false
}
