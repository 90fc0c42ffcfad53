package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/nodereg/internal/api"
	"evalgo.org/nodereg/internal/dns"
	"evalgo.org/nodereg/internal/registry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Long: `Start the HTTP API server.

Before accepting pings the server writes a DNS config file for every slot
that does not have one yet, so that name resolution covers the whole slot
pool from the start.`,
	RunE: runServer,
}

var skipBootstrap bool

func init() {
	serverCmd.Flags().BoolVar(&skipBootstrap, "skip-dns-bootstrap", false, "do not reconcile DNS config files at startup")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	store, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}()

	syncer := newSynchronizer(store, logger)

	if !skipBootstrap {
		reconciler := dns.NewReconciler(cfg.Cluster, cfg.DNS, store, syncer, logger.WithField("component", "dns-bootstrap"))
		if reconciler.Enabled() {
			if _, err := reconciler.Run(ctx); err != nil {
				return fmt.Errorf("dns bootstrap failed: %w", err)
			}
		}
	}

	hub := api.NewHub(logger.WithField("component", "events"))
	svc := registry.NewService(cfg, store, syncer,
		registry.WithLogger(logger.WithField("component", "registry")),
		registry.WithEvents(hub),
	)
	server := api.New(cfg, svc, store, hub, logger.WithField("component", "api"))

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		// Let in-flight DNS synchronizations finish before closing storage
		svc.Wait()
		logger.Info("Server shutdown complete")
		return nil

	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}
