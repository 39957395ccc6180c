// tsbxd is the control-plane binary: it owns the Store, the Container
// Runtime Adapter, the Token Issuer, the Request Worker pool, and the
// Timeout & Health Reconciler, and serves /metrics for Prometheus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/tsbx/internal/config"
	"github.com/cuemby/tsbx/internal/metrics"
	"github.com/cuemby/tsbx/internal/reconciler"
	"github.com/cuemby/tsbx/internal/requestworker"
	"github.com/cuemby/tsbx/internal/runtime"
	"github.com/cuemby/tsbx/internal/store"
	"github.com/cuemby/tsbx/internal/token"
	"github.com/cuemby/tsbx/internal/zlog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tsbxd",
	Short: "tsbxd runs the sandbox orchestration control plane",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	zlog.Init(zlog.Config{Level: zlog.Level(logLevel), JSONOutput: logJSON})

	fmt.Println("Starting tsbxd")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPGStore(ctx, store.Config{DSN: cfg.StoreDSN, MaxConns: cfg.StoreMaxConns})
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping store schema: %w", err)
	}
	fmt.Println("✓ Connected to store")

	rt, err := runtime.NewDockerAdapter(ctx, cfg.RuntimeHost)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}
	defer rt.Close()
	fmt.Println("✓ Connected to container runtime")

	issuer := token.New(cfg.TokenIssuer, cfg.TokenSecret)

	pool := requestworker.NewPool(st, rt, issuer, requestworker.Config{
		WorkerCount:        cfg.RequestWorkerCount,
		BatchSize:          cfg.RequestWorkerBatchSize,
		SnapshotsRoot:      cfg.SnapshotsRoot,
		SandboxImage:       cfg.SandboxImage,
		DefaultIdleTimeout: cfg.DefaultIdleTimeout,
		StoreDSN:           cfg.StoreDSN,
		APIURL:             cfg.APIURL,
		HostName:           cfg.HostName,
		HostURL:            cfg.HostURL,
		InferenceURL:       cfg.InferenceURL,
		InferenceModel:     cfg.InferenceModel,
		InferenceAPIKey:    cfg.InferenceAPIKey,
		InferenceTimeout:   cfg.InferenceTimeout,
	})
	pool.Start(ctx)
	fmt.Printf("✓ Request worker pool started (%d workers)\n", cfg.RequestWorkerCount)

	rec := reconciler.New(st, rt, reconciler.Config{
		AutoTerminateInterval: cfg.AutoTerminateInterval,
		TaskTimeoutInterval:   cfg.TaskTimeoutInterval,
		HealthSweepInterval:   cfg.HealthSweepInterval,
	})
	rec.Start(ctx)
	fmt.Println("✓ Reconciler started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error(fmt.Sprintf("metrics server stopped: %v", err))
		}
	}()
	fmt.Printf("✓ Metrics listening on %s/metrics\n", cfg.MetricsAddr)

	fmt.Println()
	fmt.Println("tsbxd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()
	rec.Stop()
	pool.Stop()
	_ = metricsSrv.Close()
	fmt.Println("✓ Shutdown complete")
	return nil
}
