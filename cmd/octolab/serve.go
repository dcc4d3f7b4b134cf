package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/octolab/octolab/pkg/api"
	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/gateway"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/ports"
	"github.com/octolab/octolab/pkg/reconciler"
	"github.com/octolab/octolab/pkg/redact"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/runtime/dockerdrv"
	"github.com/octolab/octolab/pkg/runtime/microvm"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/subprocess"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the full orchestrator: state store, runtime drivers, lab
manager, background workers, reconciler, and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %v", err)
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(settings.LogLevel),
		JSONOutput: settings.LogJSON,
	})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	red := redact.New(redact.DefaultMaxLen,
		settings.HMACSecret,
		settings.GatewayAdminPassword,
	)

	store, err := storage.NewBoltStore(settings.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %v", err)
	}
	defer store.Close()

	catalog, err := manager.LoadCatalog(settings.RecipesFile)
	if err != nil {
		return fmt.Errorf("failed to load recipe catalog: %v", err)
	}

	cli, err := dockerdrv.NewAPIClient(context.Background())
	if err != nil {
		return fmt.Errorf("failed to connect to the container daemon: %v", err)
	}

	runner := subprocess.NewRunner(red)
	alloc := ports.NewAllocator(store, settings.VNCBindHost, settings.PortRangeStart, settings.PortRangeEnd)
	drivers := map[types.LabRuntime]rt.Driver{
		types.RuntimeContainer: dockerdrv.New(cli, runner, alloc, settings, red),
		types.RuntimeMicroVM:   microvm.New(runner, alloc, settings, red),
	}

	var gw manager.GatewayProvisioner
	if settings.GatewayEnabled {
		secrets, err := security.NewSecretsManager(settings.GatewayEncKey)
		if err != nil {
			return fmt.Errorf("failed to initialize gateway secrets: %v", err)
		}
		gw = gateway.NewProvisioner(gateway.NewClient(settings, red), cli, secrets, settings)
	}

	ev, err := evidence.NewService(store, cli, []byte(settings.HMACSecret))
	if err != nil {
		return fmt.Errorf("failed to initialize evidence service: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()

	mgr := manager.New(store, drivers, gw, ev, catalog,
		manager.NewCollector(cli, settings), settings, broker)
	mgr.Start()
	logger.Info().Str("runtime", string(settings.Runtime)).Msg("manager started")

	gauges := metrics.NewCollector(store)
	gauges.Start()

	teardowns := worker.NewTeardownWorker(mgr, settings)
	teardowns.Start()
	ttl := worker.NewTTLSweeper(mgr, settings)
	ttl.Start()
	recon := reconciler.New(mgr, ev, settings)
	recon.Start()

	apiServer := api.New(mgr, ev, worker.NewWatchdog(mgr, settings), settings)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	// Stop intake first, then the loops, then in-flight provisioning.
	// Cancelled labs stay PROVISIONING or ENDING; the reconciler and
	// teardown worker pick them up on next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	recon.Stop()
	ttl.Stop()
	teardowns.Stop()
	gauges.Stop()
	mgr.Stop()
	broker.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}
