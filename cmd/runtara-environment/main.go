// Command runtara-environment runs the environment manager (§4.E): it
// owns image storage, instance launch/monitor, the wake scheduler and
// compensation engine, and serves the management RPC surface (§6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runtara/core/auth"
	"github.com/runtara/core/capability"
	"github.com/runtara/core/compensation"
	"github.com/runtara/core/environment"
	"github.com/runtara/core/environment/runner"
	"github.com/runtara/core/management"
	"github.com/runtara/core/persistence/postgres"
	"github.com/runtara/core/protocol"
	"github.com/runtara/core/runtaraconfig"
	"github.com/runtara/core/telemetry"
	"github.com/runtara/core/wake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log := telemetry.NewLogger("runtara-environment")

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

	blobs := environment.NewBlobstore(cfg.DataDir)
	images := environment.NewImageRegistry(store, blobs, log)
	bundles := runner.NewBundleManager(blobs.BundlesDir(), runner.DefaultBundleConfig())
	coreAddr := fmt.Sprintf("localhost:%d", cfg.QUICPort)
	mgr := environment.NewManager(store, blobs, images, bundles, coreAddr, log, metric)

	registry := capability.NewRegistry()
	comp := compensation.New(store, registry, log, metric)

	sched := wake.New(store, mgr, wake.Config{PollInterval: cfg.WakePollInterval, BatchSize: cfg.WakeBatchSize}, log, metric)
	go func() {
		if err := sched.Run(ctx); err != nil {
			log.WithError(err).Errorf("runtara-environment: wake scheduler stopped")
		}
	}()

	signingKey := []byte(mustEnv("RUNTARA_TOKEN_SIGNING_KEY"))
	verifier := auth.NewTokenVerifier(signingKey)
	mgmt := management.New(store, mgr, registry, comp, verifier, log, metric)

	tlsConfig, err := protocol.GenerateDevTLSConfig("runtara")
	if err != nil {
		return fmt.Errorf("generate tls config: %w", err)
	}
	addr := fmt.Sprintf(":%d", cfg.QUICPort+1)
	server, err := protocol.Listen(addr, protocol.TransportConfig{TLSConfig: tlsConfig}, mgmt.Handle, mgmtLogger{log})
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer server.Close()

	log.WithField("addr", server.Addr()).Infof("runtara-environment: listening")
	return server.Serve(ctx)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("%s is required", key))
	}
	return v
}

type mgmtLogger struct {
	log *telemetry.Logger
}

func (l mgmtLogger) Errorf(format string, args ...any) {
	l.log.Errorf(format, args...)
}
