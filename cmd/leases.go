package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/rflandau/rfmesh/pkg/admin"
	"github.com/spf13/cobra"
)

var (
	leasesServer string
	leasesStatic bool
	leasesForce  bool

	client *admin.Client // set during the leases PersistentPreRun
)

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "Administer a running master's lease table",
	Long:  "List, inspect, edit, save, and reload the lease table of a master serving the admin API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		server := leasesServer
		if server == "" && cfg.Admin.Listen != "" {
			server = "http://" + cfg.Admin.Listen
		}
		if server == "" {
			return fmt.Errorf("no server given; pass --server or set admin.listen")
		}
		client = admin.NewClient(server)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return client.Close()
	},
}

var leasesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every lease",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		leases, err := client.List()
		if err != nil {
			return fmt.Errorf("failed to list leases: %w", err)
		}
		printLeases(cmd.OutOrStdout(), leases...)
		return nil
	},
}

var leasesGetCmd = &cobra.Command{
	Use:   "get <node-id>",
	Short: "Show the lease held by a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		l, err := client.Get(id)
		if err != nil {
			return fmt.Errorf("failed to get lease: %w", err)
		}
		printLeases(cmd.OutOrStdout(), l)
		return nil
	},
}

var leasesSetCmd = &cobra.Command{
	Use:   "set <node-id> <address>",
	Short: "Lease an address (octal) to a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		l, err := client.Set(id, args[1], leasesStatic, leasesForce)
		if err != nil {
			return fmt.Errorf("failed to set lease: %w", err)
		}
		printLeases(cmd.OutOrStdout(), l)
		return nil
	},
}

var leasesRmCmd = &cobra.Command{
	Use:   "rm <node-id>",
	Short: "Drop the lease held by a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseNodeID(args[0])
		if err != nil {
			return err
		}
		if err := client.Delete(id); err != nil {
			return fmt.Errorf("failed to remove lease: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Lease of node %d removed.\n", id)
		return nil
	},
}

var leasesSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Persist the lease table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.Save()
		if err != nil {
			return fmt.Errorf("failed to save leases: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d leases saved.\n", n)
		return nil
	},
}

var leasesLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Reload the persisted lease table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.Load()
		if err != nil {
			return fmt.Errorf("failed to load leases: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d leases loaded.\n", n)
		return nil
	},
}

func parseNodeID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("node id must be 0-255: %w", err)
	}
	return uint8(v), nil
}

func printLeases(w io.Writer, leases ...admin.LeaseBody) {
	fmt.Fprintf(w, "%-8s %s\n", "NODE", "ADDRESS")
	for _, l := range leases {
		fmt.Fprintf(w, "%-8d %s\n", l.NodeID, l.Address)
	}
}

func init() {
	leasesCmd.PersistentFlags().StringVar(&leasesServer, "server", "", "base URL of the master's admin API (ex: http://127.0.0.1:8080)")
	leasesSetCmd.Flags().BoolVar(&leasesStatic, "static", false, "the lease never lapses")
	leasesSetCmd.Flags().BoolVar(&leasesForce, "force", false, "evict any node already holding the address")
	leasesCmd.AddCommand(leasesListCmd, leasesGetCmd, leasesSetCmd, leasesRmCmd, leasesSaveCmd, leasesLoadCmd)
}
