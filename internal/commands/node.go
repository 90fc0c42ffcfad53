package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/nodereg/internal/registry"
	"evalgo.org/nodereg/models"
)

var nodeFormat string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and provision node records",
	Long: `Work on node records directly in the configured store.

The store must be shared with the server (postgres or etcd); the memory
driver is refused.`,
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a node record",
	Long: `Create a node record with a fresh UUID and ping secret.

Hand the printed UUID and ping secret to the compute node; it presents them
on every ping.

Examples:
  nodereg node create
  nodereg node create --domain gpu.example.com --format json`,
	Args: cobra.NoArgs,
	RunE: runNodeCreate,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List node records",
	Args:  cobra.NoArgs,
	RunE:  runNodeList,
}

var nodeGetCmd = &cobra.Command{
	Use:   "get [uuid]",
	Short: "Show one node record",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeGet,
}

var nodeSpec models.NodeSpec

func init() {
	nodeCreateCmd.Flags().StringVar(&nodeSpec.Hostname, "hostname", "", "fixed hostname (default: assigned from the slot)")
	nodeCreateCmd.Flags().StringVar(&nodeSpec.Domain, "domain", "", "domain (default: cluster.domain)")
	nodeCmd.PersistentFlags().StringVar(&nodeFormat, "format", "table", "output format (table, json)")

	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeGetCmd)
}

// withService runs fn against a registry backed by the configured store.
// DNS synchronization stays with the server.
func withService(cmd *cobra.Command, fn func(*registry.Service) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	store, err := openSharedStore(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return fn(registry.NewService(cfg, store, nil, registry.WithLogger(logger.WithField("component", "cli"))))
}

func runNodeCreate(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *registry.Service) error {
		node, err := svc.CreateNode(cmd.Context(), nodeSpec)
		if err != nil {
			return err
		}
		if nodeFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), node.AdminView(svc.Now(), cfg.Cluster.Domain, cfg.Cluster.Nameservers))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "UUID:        %s\n", node.UUID)
		fmt.Fprintf(cmd.OutOrStdout(), "Ping secret: %s\n", node.Info.PingSecret)
		return nil
	})
}

func runNodeList(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *registry.Service) error {
		nodes, err := svc.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		return printNodes(cmd.OutOrStdout(), nodes, nodeFormat, svc.Now())
	})
}

func runNodeGet(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(svc *registry.Service) error {
		node, err := svc.GetNode(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("node %s: %w", args[0], err)
		}
		return printNodes(cmd.OutOrStdout(), []*models.Node{node}, nodeFormat, svc.Now())
	})
}

func printNodes(w io.Writer, nodes []*models.Node, format string, now time.Time) error {
	switch format {
	case "json":
		views := make([]models.NodeAdminView, 0, len(nodes))
		for _, n := range nodes {
			n.JobReadable = true
			views = append(views, n.AdminView(now, cfg.Cluster.Domain, cfg.Cluster.Nameservers))
		}
		return writeJSON(w, views)
	case "table":
	default:
		return fmt.Errorf("unknown format %q (table, json)", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tSLOT\tHOSTNAME\tIP ADDRESS\tSTATUS\tWORKER\tLAST PING")
	for _, n := range nodes {
		slot := "-"
		if n.HasSlot() {
			slot = fmt.Sprint(n.Slot())
		}
		lastPing := "never"
		if n.LastPingAt != nil {
			lastPing = now.Sub(*n.LastPingAt).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.UUID,
			slot,
			orDash(models.StringValue(n.Hostname)),
			orDash(models.StringValue(n.IPAddress)),
			n.Status(now),
			n.WorkerState(),
			lastPing,
		)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
