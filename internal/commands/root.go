package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalgo.org/nodereg/internal/config"
	"evalgo.org/nodereg/internal/dns"
	"evalgo.org/nodereg/internal/logging"
	"evalgo.org/nodereg/internal/storage"
	"evalgo.org/nodereg/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nodereg",
	Short: "Compute node registry",
	Long: `nodereg keeps the registration records of compute nodes.

Nodes ping the registry periodically; the registry records their address,
assigns each a durable slot number and hostname, and keeps per-host DNS
configuration in step with the records.`,
	Version: version.Version,
}

func Execute() error {
	rootCmd.Version = version.Version
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, text)")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))   //nolint:errcheck
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")) //nolint:errcheck

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dnsCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file and environment
	if lvl := viper.GetString("logging.level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := viper.GetString("logging.format"); format != "" {
		cfg.Logging.Format = format
	}
}

func newLogger() (*logrus.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return logger, nil
}

func openStore(ctx context.Context, logger *logrus.Logger) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

// openSharedStore opens the store for commands whose effect must be seen
// by the server. The memory driver lives and dies with this process, so
// such commands refuse it.
func openSharedStore(ctx context.Context, logger *logrus.Logger) (storage.Store, error) {
	if cfg.Storage.Driver == config.DriverMemory || cfg.Storage.Driver == "" {
		return nil, fmt.Errorf("storage driver %q keeps nodes in process memory only; set storage.driver to %s or %s",
			config.DriverMemory, config.DriverPostgres, config.DriverEtcd)
	}
	return openStore(ctx, logger)
}

func newSynchronizer(store dns.NodeStore, logger *logrus.Logger) *dns.Synchronizer {
	return dns.NewSynchronizer(cfg.DNS, cfg.Cluster.UUIDPrefix, store,
		dns.WithRunner(dns.ExecRunner{Timeout: cfg.DNS.CommandTimeout}),
		dns.WithLogger(logger.WithField("component", "dns")),
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Println(info.String())

		if cmd.Flag("verbose").Changed {
			fmt.Printf("\nDetails:\n")
			fmt.Printf("  Version:    %s\n", info.Version)
			fmt.Printf("  Git Commit: %s\n", info.GitCommit)
			fmt.Printf("  Built:      %s\n", info.BuildTime)
			fmt.Printf("  Go Version: %s\n", info.GoVersion)
			fmt.Printf("  Platform:   %s\n", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "verbose version output")
}
