// Command sequencerd is the process entrypoint wiring every core service
// (Sequencer, SigningService, KeyRotationScheduler, Reconciler, the
// rpcapi admission surface) through internal/lifecycle.Manager. Flag and
// environment parsing use github.com/urfave/cli/v2, the SPEC_FULL
// domain-stack pick for this concern.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/l2seq/sequencer/internal/anchor"
	"github.com/l2seq/sequencer/internal/config"
	"github.com/l2seq/sequencer/internal/lifecycle"
	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/merkle"
	"github.com/l2seq/sequencer/internal/reconciler"
	"github.com/l2seq/sequencer/internal/rotation"
	"github.com/l2seq/sequencer/internal/rpcapi"
	"github.com/l2seq/sequencer/internal/sequencer"
	"github.com/l2seq/sequencer/internal/signing"
	"github.com/l2seq/sequencer/internal/store"
	"github.com/l2seq/sequencer/internal/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "sequencerd",
		Usage: "runs the rollup sequencer core",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "pebble store directory", EnvVars: []string{"SEQUENCERD_DATA_DIR"}},
			&cli.StringFlag{Name: "anchor-url", Value: "http://localhost:9090", Usage: "opaque anchor sink base URL", EnvVars: []string{"SEQUENCERD_ANCHOR_URL"}},
			&cli.StringFlag{Name: "rpc-listen-addr", Value: "", Usage: "admission surface listen address, overrides rpc_listen_addr default", EnvVars: []string{"SEQUENCERD_RPC_LISTEN_ADDR"}},
			&cli.StringFlag{Name: "rpc-auth-token", Value: "", Usage: "HMAC secret for operator-facing RPC methods", EnvVars: []string{"SEQUENCERD_RPC_AUTH_TOKEN"}},
			&cli.StringFlag{Name: "log-file", Value: "", Usage: "rotating log file path (stderr is always written to)", EnvVars: []string{"SEQUENCERD_LOG_FILE"}},
			&cli.StringFlag{Name: "sentry-dsn", Value: "", Usage: "Sentry DSN for Fatal-kind error reporting", EnvVars: []string{"SEQUENCERD_SENTRY_DSN"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sequencerd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if addr := c.String("rpc-listen-addr"); addr != "" {
		cfg.RPCListenAddr = addr
	}
	if token := c.String("rpc-auth-token"); token != "" {
		cfg.RPCAuthToken = token
	}

	log := logging.New(logging.Config{
		Level:     slog.LevelInfo,
		FilePath:  c.String("log-file"),
		SentryDSN: c.String("sentry-dsn"),
	})
	logging.SetDefault(log)
	tel := telemetry.New()

	st, err := store.OpenPebbleStore(c.String("data-dir"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sink := anchor.NewIdempotentSink(anchor.NewHTTPSink(c.String("anchor-url")))

	auditSink := signing.NewStoreAuditSink(st, log)
	signer := signing.New(signing.DefaultConfig(), signing.DefaultEmergencyConfig(), auditSink, tel, log)

	rotationSched := rotation.New(rotation.DefaultConfig(), signer, auditSink, tel, log)

	repairer := reconciler.NewStoreRepairer(st, sink)
	reconcilerSvc := reconciler.New(reconciler.DefaultConfig(), sink, st, repairer, tel, log)

	genesisLeaf := merkle.LeafDigest([]byte("genesis"), nil)
	seqCfg := sequencer.Config{
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		WorkerCount:          cfg.WorkerCount,
		MaxRetries:           cfg.MaxRetries,
		RetryBaseDelay:       cfg.RetryBaseDelay,
		SigningTimeout:       cfg.SigningTimeout,
	}
	seq := sequencer.New(seqCfg, log, tel, signer, sink, st, genesisLeaf)

	rpcHandler := rpcapi.NewHandler(rpcapi.Config{
		MaxBatchSize:    cfg.RPCMaxBatchSize,
		RateLimitPerSec: cfg.RPCRateLimitPerSec,
	}, log)
	rpcapi.RegisterMethods(rpcHandler, seq)
	rpcHandler.SetWebSocketAPI(seq, tel)
	rpcHandler.Use(rpcapi.AuthMiddleware([]byte(cfg.RPCAuthToken)))
	rpcSrv := rpcapi.NewServer(cfg.RPCListenAddr, rpcHandler, log)

	mgr := lifecycle.New(lifecycle.DefaultConfig())
	if err := registerAll(mgr, signer, rotationSched, reconcilerSvc, seq, rpcSrv); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if errs := mgr.StartAll(ctx); len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info("sequencerd started", "rpc_addr", cfg.RPCListenAddr)

	go watchDegraded(ctx, signer, seq)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if errs := mgr.StopAll(shutdownCtx); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func registerAll(mgr *lifecycle.Manager, signer *signing.Service, rotationSched *rotation.Scheduler, reconcilerSvc *reconciler.Reconciler, seq *sequencer.Sequencer, rpcSrv *rpcapi.Server) error {
	services := []struct {
		svc      lifecycle.Service
		priority int
	}{
		{signer, 0},
		{rotationSched, 1},
		{seq, 2},
		{reconcilerSvc, 3},
		{rpcSrv, 4},
	}
	for _, s := range services {
		if err := mgr.Register(s.svc, s.priority); err != nil {
			return err
		}
	}
	return nil
}

// watchDegraded propagates SigningService.Degraded() into the Sequencer's
// rate-limiting (spec §4.6: "Entering Emergency activates rate-limiting on
// the sequencer"), since the two subsystems are wired independently through
// lifecycle.Manager rather than one owning the other.
func watchDegraded(ctx context.Context, signer *signing.Service, seq *sequencer.Sequencer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	last := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			degraded := signer.Degraded()
			if degraded != last {
				seq.SetDegraded(degraded)
				last = degraded
			}
		}
	}
}
