package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"evalgo.org/nodereg/internal/dns"
	"evalgo.org/nodereg/internal/registry"
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS configuration maintenance",
}

var dnsBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Write DNS config files for every slot that lacks one",
	Long: `Write a <hostname>.conf for every slot in the pool that does not have one.

Slots held by a node get that node's address; free slots get a placeholder
address. Existing files are left untouched, so the command is safe to repeat.`,
	Args: cobra.NoArgs,
	RunE: runDNSBootstrap,
}

var dnsSyncCmd = &cobra.Command{
	Use:   "sync [uuid]",
	Short: "Publish the DNS records of one node",
	Args:  cobra.ExactArgs(1),
	RunE:  runDNSSync,
}

var dnsHostnameCmd = &cobra.Command{
	Use:   "hostname [slot]",
	Short: "Print the hostname a slot number maps to",
	Args:  cobra.ExactArgs(1),
	RunE:  runDNSHostname,
}

func init() {
	dnsCmd.AddCommand(dnsBootstrapCmd)
	dnsCmd.AddCommand(dnsSyncCmd)
	dnsCmd.AddCommand(dnsHostnameCmd)
}

func runDNSBootstrap(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler := dns.NewReconciler(cfg.Cluster, cfg.DNS, store, newSynchronizer(store, logger),
		logger.WithField("component", "dns-bootstrap"))
	if !reconciler.Enabled() {
		return fmt.Errorf("dns bootstrap needs cluster.assign_node_hostname, dns.conf_dir and dns.conf_template")
	}

	n, err := reconciler.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published %d hostname(s)\n", n)
	return nil
}

func runDNSSync(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	store, err := openSharedStore(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := registry.NewService(cfg, store, nil).GetNode(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("node %s: %w", args[0], err)
	}
	if node.Hostname == nil || node.IPAddress == nil {
		return fmt.Errorf("node %s has no hostname or address yet", node.UUID)
	}

	if !newSynchronizer(store, logger).Sync(cmd.Context(), node) {
		return fmt.Errorf("dns synchronization of %s failed", *node.Hostname)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synchronized %s -> %s\n", *node.Hostname, *node.IPAddress)
	return nil
}

func runDNSHostname(cmd *cobra.Command, args []string) error {
	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 0 {
		return fmt.Errorf("invalid slot number %q", args[0])
	}
	hostname, err := dns.HostnameForSlot(cfg.Cluster.AssignNodeHostname, slot)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hostname)
	return nil
}
