// Copyright Herd and each contributor to the Herd platform.
// SPDX-License-Identifier: MIT

// The meeting-sync-helper service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	errKey = "error"
	// gracefulShutdownSeconds should be higher than the NATS client request
	// timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25

	natsQueueGroup = "meeting-sync-helper"
)

var (
	logger   *slog.Logger
	cfg      *Config
	natsConn *nats.Conn
)

// main wires the store, providers and triggers, then blocks until shutdown.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Open the platform store.
	store, err := newStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.With(errKey, err).Error("error connecting to database")
		os.Exit(1)
	}
	defer store.Close()

	// Provider clients share one retrying HTTP client.
	providerClient := newProviderHTTPClient(cfg.ProviderTimeout)
	providers := map[Platform]Provider{
		PlatformGmeet: newGmeetProvider(cfg, providerClient),
		PlatformZoom:  newZoomProvider(cfg, providerClient),
	}

	dispatcher := newSinkDispatcher(providerClient, cfg.SinkBaseURL)
	orc := newOrchestrator(store, providers, dispatcher, cfg.AuthFailureCooldown, cfg.MaxConcurrentAccounts)
	trigger := newRunTrigger(orc)

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running. As this
		// endpoint is expected to be used as a Kubernetes liveness check, this
		// service must likewise self-detect non-recoverable errors and
		// self-terminate.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if natsConn != nil && (!natsConn.IsConnected() || natsConn.IsDraining()) {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	http.HandleFunc("/run", trigger.handleRun)

	// Add an http listener for health checks and the run trigger. This server
	// does NOT participate in the graceful shutdown process; we want it to
	// stay up until the process is killed, to avoid liveness checks failing
	// during the graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// The NATS trigger is optional: without a broker the service is driven by
	// POST /run alone (typically from a cron job).
	var runSub *nats.Subscription
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(
			cfg.NATSURL,
			nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
			nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
				if s != nil {
					logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
				} else {
					logger.With(errKey, err).Error("async NATS error outside subscription")
				}
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				if ctx.Err() != nil {
					// Graceful shutdown already in progress.
					return
				}
				logger.Error("NATS max-reconnects exhausted; connection closed")
				done <- os.Interrupt
			}),
		)
		if err != nil {
			logger.With(errKey, err).Error("error creating NATS client")
			os.Exit(1)
		}

		trigger.publishSummary = natsSummaryPublisher(natsConn, cfg.SummarySubject)

		// Queue subscription so horizontally scaled pods split triggers.
		runSub, err = natsConn.QueueSubscribe(cfg.RunSubject, natsQueueGroup, trigger.handleRunMessage)
		if err != nil {
			logger.With(errKey, err, "subject", cfg.RunSubject).Error("error subscribing to run subject")
			os.Exit(1)
		}
		logger.With("subject", cfg.RunSubject, "queue", natsQueueGroup).Info("listening for batch triggers")
	}

	// This next line blocks until SIGINT or SIGTERM is received, or NATS
	// disconnects.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")
	cancel()

	if runSub != nil {
		if err := runSub.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining run subscription")
		}
	}
	if natsConn != nil && !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
		}
	}

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}
