package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/spf13/cobra"
)

// sendInterval is how often a node reports its clock to the master.
const sendInterval = time.Second

var nodeID uint8

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Join the mesh and report a timestamp to the master every second",
	Long: `Joins the mesh as the given node id, then sends the milliseconds since start (type 'M')
to the master every second. If a send fails and the master no longer recognizes the node,
the node renews its address.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("node-id") {
			cfg.Mesh.NodeID = nodeID
		}
		if cfg.Mesh.NodeID == mesh.MasterNodeID {
			return errors.New("node id 0 is reserved for the master; use the master command")
		}
		log := cfg.Logger("node")

		st, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		m := st.mesh

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		tc, _ := cfg.TransportConfig()
		log.Info().Msg("connecting to the mesh...")
		for err := m.Begin(tc.Channel, tc.DataRate, cfg.Mesh.RenewalTimeout); err != nil; _, err = m.RenewAddress(cfg.Mesh.RenewalTimeout) {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("failed to join; retrying")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "joined the mesh at %v\n", m.Address())

		var (
			start    = time.Now()
			lastSent time.Time
		)
		for ctx.Err() == nil {
			m.Update()
			for m.Network().Available() {
				f, _ := m.Network().Read(protocol.MaxMessageSize)
				log.Info().Func(f.Header.Zerolog).Int("length", len(f.Message)).Msg("message received")
			}

			if time.Since(lastSent) >= sendInterval {
				lastSent = time.Now()
				payload := binary.LittleEndian.AppendUint32(nil, uint32(time.Since(start).Milliseconds()))
				if err := m.Write(payload, TimestampType, mesh.MasterNodeID); err != nil {
					log.Warn().Err(err).Msg("send failed")
					if !m.CheckConnection() {
						log.Info().Msg("renewing address...")
						if a, err := m.RenewAddress(cfg.Mesh.RenewalTimeout); err != nil {
							log.Warn().Err(err).Msg("renewal failed")
						} else {
							log.Info().Str("address", a.String()).Msg("address renewed")
						}
					}
				} else {
					log.Debug().Uint32("timestamp", binary.LittleEndian.Uint32(payload)).Msg("timestamp sent")
				}
			}
			time.Sleep(loopInterval)
		}

		if err := m.ReleaseAddress(); err != nil {
			log.Info().Err(err).Msg("failed to release address")
		}
		return nil
	},
}

func init() {
	nodeCmd.Flags().Uint8Var(&nodeID, "node-id", 0, "node id (1-255); overrides mesh.node_id")
}
