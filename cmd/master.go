package cmd

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/rflandau/rfmesh/pkg/admin"
	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/spf13/cobra"
)

// TimestampType is the user message type nodes report their clock with.
const TimestampType = 'M'

// loopInterval is how long the command loops sleep between polls.
const loopInterval = 200 * time.Microsecond

var masterAdmin string

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the mesh master",
	Long: `Runs the mesh master (node id 0): leases addresses to joining nodes, answers lookups,
and logs every message it receives. Leases are loaded on start and saved on SIGINT.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Mesh.NodeID = mesh.MasterNodeID
		if masterAdmin != "" {
			cfg.Admin.Listen = masterAdmin
		}
		log := cfg.Logger("master")

		st, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		m := st.mesh

		if err := m.LoadDHCP(); err != nil {
			log.Warn().Err(err).Msg("starting with no prior leases")
		}
		tc, _ := cfg.TransportConfig()
		if err := m.Begin(tc.Channel, tc.DataRate, cfg.Mesh.RenewalTimeout); err != nil {
			return err
		}

		if cfg.Admin.Listen != "" {
			ap, err := netip.ParseAddrPort(cfg.Admin.Listen)
			if err != nil {
				return fmt.Errorf("admin.listen: %w", err)
			}
			srv, err := admin.NewServer(ap, m, admin.WithLogger(cfg.Logger("admin")))
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Send a SIGINT to kill the program")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		for ctx.Err() == nil {
			m.Update()
			m.DHCP()
			for m.Network().Available() {
				f, _ := m.Network().Read(protocol.MaxMessageSize)
				ev := log.Info().Func(f.Header.Zerolog)
				if f.Header.Type == TimestampType && len(f.Message) >= 4 {
					ev = ev.Uint32("timestamp", binary.LittleEndian.Uint32(f.Message))
				}
				ev.Msg("message received")
			}
			time.Sleep(loopInterval)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "SIGINT captured. Cleaning up....")
		if err := m.SaveDHCP(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	masterCmd.Flags().StringVar(&masterAdmin, "admin", "", "ip:port to serve the admin API on (overrides admin.listen)")
}
