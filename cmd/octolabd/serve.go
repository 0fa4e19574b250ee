package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/octolabd/pkg/adminapi"
	"github.com/cuemby/octolabd/pkg/log"
	"github.com/cuemby/octolabd/pkg/metrics"
	"github.com/cuemby/octolabd/pkg/provisioner"
	"github.com/cuemby/octolabd/pkg/ratelimit"
	"github.com/cuemby/octolabd/pkg/service"
	"github.com/cuemby/octolabd/pkg/teardown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lab lifecycle core: provisioner + teardown worker + admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("admin-addr", "127.0.0.1:9091", "Address for the admin/ops HTTP surface")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer d.db.Close()

	metrics.RegisterComponent("database", true, "")
	metrics.RegisterComponent("runtime", true, "")

	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	prov := provisioner.New(d.labs, d.ports, d.sel, provisioner.Config{
		StartupTimeoutSeconds:   d.cfg.StartupTimeoutSeconds,
		ReadinessGatingEnabled:  d.cfg.ReadinessGatingEnabled,
		ReadinessPaths:          d.cfg.ReadinessPaths,
		ReadinessTimeoutSeconds: d.cfg.ReadinessTimeoutSeconds,
		ReadinessIntervalSeconds: d.cfg.ReadinessIntervalSeconds,
		BindHost:                "127.0.0.1",
	})

	limiter := ratelimit.NewLimiter(d.cfg.RateLimitPerLabPerMinute)
	dedup := ratelimit.NewDedup(time.Duration(d.cfg.DedupTTLSeconds) * time.Second)
	// svc is the library boundary a neighbour HTTP/API process embeds;
	// this process only needs it constructed so startup fails the same way
	// that neighbour's would on a bad wire-up.
	svc := service.New(d.labs, d.ports, prov, limiter, dedup)
	_ = svc

	collector := metrics.NewCollector(d.labs)
	collector.Start()
	defer collector.Stop()

	var worker *teardown.Worker
	if d.cfg.TeardownWorkerEnabled {
		worker = teardown.New(d.labs, d.ports, d.sel, teardown.Config{
			IntervalSeconds:        d.cfg.TeardownWorkerIntervalSeconds,
			BatchSize:              d.cfg.TeardownWorkerBatchSize,
			StartupTick:            d.cfg.TeardownWorkerStartupTick,
			TeardownTimeoutSeconds: d.cfg.TeardownTimeoutSeconds,
			EvidenceRetentionHours: d.cfg.EvidenceRetentionHours,
		})
		go worker.Run(ctx)
		fmt.Println("✓ Teardown worker started")
	}

	admin := adminapi.New(d.sel, d.cfg.InternalToken)
	srv := &http.Server{Addr: adminAddr, Handler: admin.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metrics.RegisterComponent("api", false, err.Error())
			errCh <- fmt.Errorf("admin API server error: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, "")

	fmt.Printf("✓ Admin API listening on http://%s\n", adminAddr)
	fmt.Printf("  - Liveness:        http://%s/healthz\n", adminAddr)
	fmt.Printf("  - Readiness:       http://%s/readyz\n", adminAddr)
	fmt.Printf("  - Metrics:         http://%s/metrics\n", adminAddr)
	fmt.Printf("  - Runtime override: http://%s/admin/runtime-override\n", adminAddr)
	fmt.Printf("Active runtime: %s\n", d.sel.CurrentKind())
	fmt.Println("octolabd is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\n%v\n", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithComponent("serve").Error().Err(err).Msg("admin server shutdown error")
	}

	return nil
}
