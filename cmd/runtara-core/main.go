// Command runtara-core runs the instance-facing coordinator (§4.C) on
// a single QUIC listener, backed by Postgres. The management RPC
// surface and the wake scheduler run in runtara-environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtara/core/coordinator"
	"github.com/runtara/core/persistence/postgres"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraconfig"
	"github.com/runtara/core/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log := telemetry.NewLogger("runtara-core")

	cfg, err := runtaraconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	metric := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	coord := coordinator.New(store, coordinator.Config{SleepDeferThreshold: cfg.SleepDeferThreshold}, log, metric)

	tlsConfig, err := protocol.GenerateDevTLSConfig("runtara")
	if err != nil {
		return fmt.Errorf("generate tls config: %w", err)
	}
	addr := fmt.Sprintf(":%d", cfg.QUICPort)
	server, err := protocol.Listen(addr, protocol.TransportConfig{TLSConfig: tlsConfig}, coord.Handle, coordinatorLogger{log})
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer server.Close()

	log.WithField("addr", server.Addr()).Infof("runtara-core: listening")
	return server.Serve(ctx)
}

type coordinatorLogger struct {
	log *telemetry.Logger
}

func (l coordinatorLogger) Errorf(format string, args ...any) {
	l.log.Errorf(format, args...)
}
