package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dappnode/validator-launcher/internal/adapters/beacon"
	"github.com/dappnode/validator-launcher/internal/adapters/keymanager"
	"github.com/dappnode/validator-launcher/internal/adapters/keystore"
	"github.com/dappnode/validator-launcher/internal/adapters/notifier"
	"github.com/dappnode/validator-launcher/internal/adapters/runner"
	"github.com/dappnode/validator-launcher/internal/adapters/sqlite"
	"github.com/dappnode/validator-launcher/internal/api"
	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/application/services"
	"github.com/dappnode/validator-launcher/internal/config"
	"github.com/dappnode/validator-launcher/internal/logger"
	"github.com/dappnode/validator-launcher/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load config
	cfg := config.LoadConfig()
	logger.Info("Loaded config: network=%s, beaconEndpoint=%s, keystoreDir=%s",
		cfg.Network, cfg.BeaconEndpoint, cfg.KeystoreDir)

	// Keystore store and validator
	store, err := keystore.NewStore(cfg.KeystoreDir)
	if err != nil {
		logger.Fatal("Failed to initialize keystore store: %v", err)
	}
	validator := keystore.NewValidator()

	// Metrics
	collectors := metrics.NewCollectors(cfg.Network, prometheus.DefaultRegisterer)
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "launcher_keystores",
		Help:        "Keystores currently held by the store",
		ConstLabels: prometheus.Labels{"network": cfg.Network},
	}, func() float64 { return float64(store.Count()) }))

	// Readiness watcher against the beacon node health signal
	prober := beacon.NewHealthProber(cfg.BeaconEndpoint)
	watcher := services.NewReadinessWatcher(prober, cfg.PollInterval, cfg.ReadyThreshold, cfg.WatcherBackoffCap, collectors)

	// Launch controller
	request := domain.LaunchRequest{
		Network:           cfg.Network,
		BeaconEndpoint:    cfg.BeaconEndpoint,
		ExecutionEndpoint: cfg.ExecutionEndpoint,
		JWTSecretPath:     cfg.JWTSecretPath,
		FeeRecipient:      cfg.FeeRecipient,
		Graffiti:          cfg.Graffiti,
		KeystoreDir:       store.KeystoreDir(),
		SecretsDir:        store.SecretsDir(),
		LogLevel:          cfg.ValidatorLog,
	}
	controller := services.NewLaunchController(
		runner.NewRunner(cfg.ValidatorBinary),
		store,
		watcher,
		request,
		services.LaunchSettings{
			BackoffBase:  cfg.LaunchBackoffBase,
			BackoffCap:   cfg.LaunchBackoffCap,
			RetryCeiling: cfg.RetryCeiling,
			GracePeriod:  cfg.GracePeriod,
		},
	)
	controller.Metrics = collectors

	// Optional collaborators
	var journal *sqlite.Journal
	if cfg.JournalDBPath != "" {
		journal, err = sqlite.NewJournal(cfg.JournalDBPath)
		if err != nil {
			logger.Fatal("Failed to open launch journal: %v", err)
		}
		defer journal.Close()
		controller.Journal = journal
	}
	if cfg.KeymanagerURL != "" && cfg.KeymanagerTokenFile != "" {
		controller.Keymanager = keymanager.NewKeymanager(cfg.KeymanagerURL, cfg.KeymanagerTokenFile)
	}
	if cfg.NotificationsEnabled && cfg.NotifierURL != "" {
		controller.Notifier = notifier.NewNotifier(cfg.NotifierURL, cfg.Network)
	}

	// Control API. The journal is passed through a concrete nil check so
	// the server sees a nil interface when the journal is disabled.
	var journalPort ports.LaunchJournalPort
	if journal != nil {
		journalPort = journal
	}
	server := api.NewServer(cfg.APIListenAddr, validator, store, watcher, controller, journalPort, controller.Events())

	// Prepare context and WaitGroup for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			logger.Error("Control API stopped with error: %v", err)
			cancel()
		}
	}()

	// Handle graceful shutdown
	handleShutdown(cancel)

	// Wait for all services to stop
	wg.Wait()
	logger.Info("All services stopped. Shutting down.")
}

// handleShutdown listens for SIGINT/SIGTERM and cancels the context
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal: %s. Initiating shutdown...", sig)
		cancel()
	}()
}
