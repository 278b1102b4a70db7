/*
Package mesh layers dynamic addressing on top of the network layer.

Every node is identified by a stable node id (0-255). The master (node id 0) sits at address 0 and leases tree addresses to every other node: an unconnected node polls for nearby connected nodes ("contacts"), asks one of them for an address, and the contact forwards the request to the master, who picks a free child slot under the contact.
Applications can then address each other by node id; the mesh resolves ids to addresses through the master.

Like the network layer, a Mesh does no background work. Call Update (and, on the master, DHCP) regularly from the goroutine that owns the mesh.
The master's lease table may additionally be read and edited from other goroutines (see Leases, SetAddress, and RemoveLease).
*/
package mesh

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rflandau/rfmesh/internal/misc"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/mesh/expiring"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rs/zerolog"
)

// MasterNodeID is the node id of the master.
const MasterNodeID uint8 = 0

const (
	// MaxPolls is the number of contacts collected per poll, and the number of levels polled before starting over.
	MaxPolls = 4
	// MaxChildren is the number of child slots the master hands out under any node other than itself.
	// The master's own fifth slot is also available, since the master has no parent competing for pipe 5.
	MaxChildren = 4
	// PollTimeout bounds the wait for contacts to answer a poll.
	PollTimeout = 55 * time.Millisecond
	// AddrResponseTimeout bounds the wait for an address after asking a contact.
	AddrResponseTimeout = 225 * time.Millisecond
	// LookupTimeout bounds the wait for the master to answer a lookup or release.
	LookupTimeout = 135 * time.Millisecond
	// DefaultRenewalTimeout is the address renewal bound used by the CLI and a reasonable default for Begin.
	DefaultRenewalTimeout = 7500 * time.Millisecond
	// ConnectionCheckAttempts is the number of lookups CheckConnection makes before giving up on an unresponsive master.
	ConnectionCheckAttempts = 3
	// DefaultLookupCacheTTL is how long a node remembers an id it resolved through the master.
	DefaultLookupCacheTTL = 30 * time.Second
	// DefaultLeaseFile is where a FileStore persists leases unless told otherwise.
	DefaultLeaseFile = "dhcplist.txt"

	maxPending   = 8                      // address requests awaiting DHCP
	pollInterval = 200 * time.Microsecond // sleep between radio checks while waiting on a reply
)

var (
	// ErrNoLease is returned when the master holds no lease for the node (or address) in question.
	// Equivalent to a lookup result of -1.
	ErrNoLease = errors.New("no lease")
	// ErrLookupFailed is returned when the master could not be queried (unconnected, write failed, or no answer in time).
	// Equivalent to a lookup result of -2.
	ErrLookupFailed = errors.New("lookup failed")
	// ErrNotConnected is returned by operations that require an address while the node holds address.Default.
	ErrNotConnected = errors.New("node is not connected to the mesh")
	// ErrNoAddress is returned when address renewal timed out.
	ErrNoAddress = errors.New("failed to acquire an address before the timeout")
	// ErrIsMaster is returned by operations that only make sense on non-master nodes.
	ErrIsMaster = errors.New("operation not available on the master")
	// ErrReleaseUnacknowledged is returned when the master did not confirm an address release.
	ErrReleaseUnacknowledged = errors.New("master did not acknowledge the release")
)

// LookupCode converts the outcome of a lookup into its numeric form: 0 on success, -1 for ErrNoLease, -2 for any other failure.
func LookupCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoLease):
		return -1
	}
	return -2
}

// A Mesh is the mesh layer of a single node.
type Mesh struct {
	log *zerolog.Logger
	net *network.Network

	nodeID   uint8
	meshAddr address.Address

	store          LeaseStore
	leaseTTL       time.Duration
	lookupCacheTTL time.Duration
	autoSave       bool

	leases struct {
		mu  sync.Mutex // held to read or edit the table from outside the driving goroutine
		tbl *expiring.Table[uint8, address.Address]
	}
	static  map[uint8]bool                          // node ids whose lease never lapses; guarded by leases.mu
	cache   *expiring.Table[uint8, address.Address] // node id -> address, as resolved through the master
	pending []protocol.Header                       // address requests awaiting DHCP
}

// Option function to set various options on the mesh.
// Uses defaults if an option is not set.
type Option func(*Mesh)

// WithLogger replaces the mesh's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(m *Mesh) { m.log = l }
}

// WithStore sets where SaveDHCP and LoadDHCP persist the lease table.
// Defaults to a FileStore at DefaultLeaseFile.
func WithStore(s LeaseStore) Option {
	return func(m *Mesh) { m.store = s }
}

// WithLeaseTTL causes leases to lapse if their holder has not been heard from (via address assignment or lookup of its own id) within the given duration.
// Defaults to 0 (leases never lapse).
func WithLeaseTTL(d time.Duration) Option {
	return func(m *Mesh) { m.leaseTTL = d }
}

// WithLookupCacheTTL overwrites DefaultLookupCacheTTL.
// A duration <= 0 disables the cache.
func WithLookupCacheTTL(d time.Duration) Option {
	return func(m *Mesh) { m.lookupCacheTTL = d }
}

// WithAutoSave causes the master to persist its lease table after every assignment.
func WithAutoSave(save bool) Option {
	return func(m *Mesh) { m.autoSave = save }
}

// New returns a mesh layer composed over the given network.
// A node id of 0 makes this node the master.
// The mesh is not connected until Begin is called.
func New(net *network.Network, nodeID uint8, opts ...Option) *Mesh {
	m := &Mesh{
		net:            net,
		nodeID:         nodeID,
		meshAddr:       address.Default,
		store:          FileStore{Path: DefaultLeaseFile},
		lookupCacheTTL: DefaultLookupCacheTTL,
		cache:          expiring.New[uint8, address.Address](),
	}
	m.leases.tbl = expiring.New[uint8, address.Address]()
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = misc.DefaultLogger("node", strconv.FormatUint(uint64(nodeID), 10))
	}
	return m
}

// Begin tunes the radio and joins the mesh.
// The master takes address 0 immediately. Other nodes renew their address (see RenewAddress), bounded by timeout.
func (m *Mesh) Begin(channel uint8, rate transport.DataRate, timeout time.Duration) error {
	radio := m.net.Radio()
	cfg := radio.Config()
	cfg.Channel, cfg.DataRate = channel, rate
	if err := radio.Configure(cfg); err != nil {
		return err
	}
	m.net.SetReturnSysMsgs(true)
	if m.IsMaster() {
		if err := m.net.Begin(address.Master); err != nil {
			return err
		}
		m.meshAddr = address.Master
		m.log.Debug().Func(m.Zerolog).Msg("mesh begun as master")
		return nil
	}
	_, err := m.RenewAddress(timeout)
	return err
}

//#region getters and setters

// NodeID returns this node's id.
func (m *Mesh) NodeID() uint8 {
	return m.nodeID
}

// SetNodeID changes this node's id.
// Takes effect on the next address renewal; the master must be re-begun.
func (m *Mesh) SetNodeID(id uint8) {
	m.nodeID = id
}

// IsMaster returns true if this node is the master.
func (m *Mesh) IsMaster() bool {
	return m.nodeID == MasterNodeID
}

// Address returns this node's current address; address.Default if unconnected.
func (m *Mesh) Address() address.Address {
	return m.meshAddr
}

// Network returns the network layer the mesh is composed over.
func (m *Mesh) Network() *network.Network {
	return m.net
}

// SetChannel retunes the radio to the given channel.
func (m *Mesh) SetChannel(channel uint8) error {
	radio := m.net.Radio()
	cfg := radio.Config()
	cfg.Channel = channel
	return radio.Configure(cfg)
}

// SetChild sets whether this node accepts new children.
// A node that does not accept children stops answering polls, so unconnected nodes will not pick it as a contact.
func (m *Mesh) SetChild(allow bool) {
	if allow {
		m.net.SetFlags(m.net.Flags() &^ network.FlagNoPoll)
	} else {
		m.net.SetFlags(m.net.Flags() | network.FlagNoPoll)
	}
}

//#endregion getters and setters

// beginDefault drops the node back to the unconnected sentinel address.
func (m *Mesh) beginDefault() {
	if err := m.net.Begin(address.Default); err != nil {
		m.log.Error().Err(err).Msg("failed to begin at default address")
	}
	m.meshAddr = address.Default
}

// Zerolog attaches the mesh's state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (m *Mesh) Zerolog(ev *zerolog.Event) {
	ev.Uint8("node id", m.nodeID).
		Str("address", m.meshAddr.String()).
		Bool("master", m.IsMaster())
	if m.IsMaster() {
		m.leases.mu.Lock()
		ev.Int("leases", m.leases.tbl.Len())
		m.leases.mu.Unlock()
		ev.Int("pending requests", len(m.pending))
	}
}
