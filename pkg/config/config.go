// Package config loads the YAML configuration shared by the rfmesh commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a single rfmesh node.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	Transport Transport `yaml:"transport"`
	Network   Network   `yaml:"network"`
	Mesh      Mesh      `yaml:"mesh"`
	Admin     Admin     `yaml:"admin"`
}

// Transport configures the CoAP radio bridge.
// The pipe address width is not configurable; the network layer only runs at the full 5 bytes.
type Transport struct {
	Listen     string            `yaml:"listen"` // ip:port this node's radio binds
	Peers      []string          `yaml:"peers"`  // ip:port of every other radio in range
	Channel    uint8             `yaml:"channel"`
	DataRate   string            `yaml:"data_rate"`
	CRC        transport.CRCMode `yaml:"crc"` // checksum bits: 0, 8, or 16
	RetryDelay time.Duration     `yaml:"retry_delay"`
	RetryCount uint8             `yaml:"retry_count"`
}

// Network configures the network layer.
type Network struct {
	TxTimeout      time.Duration `yaml:"tx_timeout"`
	RouteTimeout   time.Duration `yaml:"route_timeout"`
	QueueCapacity  int           `yaml:"queue_capacity"`
	MulticastRelay bool          `yaml:"multicast_relay"`
}

// Mesh configures the mesh layer.
type Mesh struct {
	NodeID         uint8         `yaml:"node_id"`
	RenewalTimeout time.Duration `yaml:"renewal_timeout"`
	LeaseFile      string        `yaml:"lease_file"` // flat lease file; ignored if LeaseDB is set
	LeaseDB        string        `yaml:"lease_db"`   // SQLite lease database
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	AutoSave       bool          `yaml:"auto_save"`
}

// Admin configures the master's HTTP admin API.
type Admin struct {
	Listen string `yaml:"listen"` // empty disables the API
}

// Default returns the configuration used for any field a file leaves unset.
func Default() Config {
	tc := transport.DefaultConfig()
	return Config{
		LogLevel: zerolog.LevelWarnValue,
		Transport: Transport{
			Listen:     "127.0.0.1:5683",
			Channel:    tc.Channel,
			DataRate:   tc.DataRate.String(),
			CRC:        tc.CRC,
			RetryDelay: tc.RetryDelay,
			RetryCount: tc.RetryCount,
		},
		Network: Network{
			TxTimeout:     network.DefaultTxTimeout,
			RouteTimeout:  network.DefaultRouteTimeout,
			QueueCapacity: network.DefaultQueueCapacity,
		},
		Mesh: Mesh{
			RenewalTimeout: mesh.DefaultRenewalTimeout,
			LeaseFile:      mesh.DefaultLeaseFile,
		},
	}
}

// Load reads the configuration from the given YAML file, layered over Default.
// If path is empty or the file does not exist, Default is returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with.
// Returns an empty slice if all is well.
func (c Config) Validate() (errs []error) {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := c.TransportConfig(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if c.Network.TxTimeout <= 0 {
		errs = append(errs, errors.New("network.tx_timeout must be > 0"))
	}
	if c.Network.RouteTimeout <= 0 {
		errs = append(errs, errors.New("network.route_timeout must be > 0"))
	}
	if c.Network.QueueCapacity <= 0 {
		errs = append(errs, errors.New("network.queue_capacity must be > 0"))
	}
	if c.Mesh.RenewalTimeout <= 0 {
		errs = append(errs, errors.New("mesh.renewal_timeout must be > 0"))
	}
	return errs
}

// TransportConfig returns the radio configuration described by c.
func (c Config) TransportConfig() (transport.Config, error) {
	tc := transport.DefaultConfig()
	rate, err := transport.ParseDataRate(c.Transport.DataRate)
	if err != nil {
		return tc, err
	}
	tc.Channel, tc.DataRate, tc.CRC = c.Transport.Channel, rate, c.Transport.CRC
	tc.RetryDelay, tc.RetryCount = c.Transport.RetryDelay, c.Transport.RetryCount
	return tc, tc.Validate()
}

// Logger returns a logger at the configured level, tagged with the given component.
func (c Config) Logger(component string) *zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Str("component", component).
		Uint8("node", c.Mesh.NodeID).
		Timestamp().
		Caller().
		Logger().Level(lvl)
	return &l
}
