// Package cmd implements the rfmesh command line.
package cmd

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/rflandau/rfmesh/pkg/config"
	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/mesh/sqlitestore"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/transport/coapradio"
	"github.com/spf13/cobra"
)

var (
	// global flags
	cfgFile  string
	logLevel string

	// set during PersistentPreRun
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rfmesh",
	Short: "Run and administer a tree-routed mesh of low-power radios",
	Long: `rfmesh runs mesh masters and nodes over a radio medium bridged across UDP (CoAP),
and administers a running master's lease table over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides the configured log level (debug, info, warn, ...)")
	rootCmd.AddCommand(masterCmd, nodeCmd, leasesCmd)
}

// stack is a radio, network, and mesh composed from the configuration.
type stack struct {
	radio *coapradio.Radio
	net   *network.Network
	mesh  *mesh.Mesh
	db    *sqlitestore.Store // nil unless leases are kept in SQLite
}

// buildStack composes the node described by c and starts its radio.
func buildStack(c config.Config) (*stack, error) {
	tc, err := c.TransportConfig()
	if err != nil {
		return nil, err
	}
	listen, err := netip.ParseAddrPort(c.Transport.Listen)
	if err != nil {
		return nil, fmt.Errorf("transport.listen: %w", err)
	}
	var peers []netip.AddrPort
	for _, p := range c.Transport.Peers {
		ap, err := netip.ParseAddrPort(p)
		if err != nil {
			return nil, fmt.Errorf("transport.peers: %w", err)
		}
		peers = append(peers, ap)
	}

	st := &stack{}
	st.radio, err = coapradio.New(listen, coapradio.WithLogger(c.Logger("radio")), coapradio.WithPeers(peers...))
	if err != nil {
		return nil, err
	}
	if err := st.radio.Configure(tc); err != nil {
		return nil, err
	}
	if err := st.radio.Start(); err != nil {
		return nil, err
	}

	st.net = network.New(st.radio,
		network.WithLogger(c.Logger("network")),
		network.WithTxTimeout(c.Network.TxTimeout),
		network.WithRouteTimeout(c.Network.RouteTimeout),
		network.WithQueueCapacity(c.Network.QueueCapacity),
		network.WithMulticastRelay(c.Network.MulticastRelay),
	)

	opts := []mesh.Option{
		mesh.WithLogger(c.Logger("mesh")),
		mesh.WithLeaseTTL(c.Mesh.LeaseTTL),
		mesh.WithAutoSave(c.Mesh.AutoSave),
	}
	if c.Mesh.LeaseDB != "" {
		if st.db, err = sqlitestore.Open(c.Mesh.LeaseDB); err != nil {
			st.radio.Stop()
			return nil, err
		}
		opts = append(opts, mesh.WithStore(st.db))
	} else if c.Mesh.LeaseFile != "" {
		opts = append(opts, mesh.WithStore(mesh.FileStore{Path: c.Mesh.LeaseFile}))
	}
	st.mesh = mesh.New(st.net, c.Mesh.NodeID, opts...)
	return st, nil
}

// Close stops the radio and releases the lease database, if any.
func (st *stack) Close() {
	st.radio.Stop()
	if st.db != nil {
		st.db.Close()
	}
}
