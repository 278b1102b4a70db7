package mesh_test

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	. "github.com/rflandau/rfmesh/internal/testsupport"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/protocol/mt"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rflandau/rfmesh/pkg/transport/ether"
	"github.com/rs/zerolog"
)

const renewTimeout = 2 * time.Second

// join attaches a new, unbegun node to the medium.
func join(t *testing.T, med *ether.Medium, id uint8, opts ...mesh.Option) *mesh.Mesh {
	t.Helper()
	r := med.NewRadio("node " + strconv.Itoa(int(id)))
	c := transport.DefaultConfig()
	c.RetryDelay = 200 * time.Microsecond
	if err := r.Configure(c); err != nil {
		t.Fatal(err)
	}
	n := network.New(r, network.WithLogger(Logger(zerolog.WarnLevel)))
	opts = append([]mesh.Option{
		mesh.WithLogger(Logger(zerolog.WarnLevel)),
		mesh.WithStore(mesh.FileStore{Path: filepath.Join(t.TempDir(), mesh.DefaultLeaseFile)}),
	}, opts...)
	return mesh.New(n, id, opts...)
}

// startMaster begins a master on the medium and drives it until the test ends.
func startMaster(t *testing.T, med *ether.Medium, opts ...mesh.Option) (*mesh.Mesh, func()) {
	t.Helper()
	m := join(t, med, mesh.MasterNodeID, opts...)
	if err := m.Begin(transport.DefaultChannel, transport.Rate1Mbps, renewTimeout); err != nil {
		t.Fatal(err)
	}
	stop := Drive(t, func() { m.Update(); m.DHCP() })
	return m, stop
}

// connect begins a node and fails the test if it does not acquire an address.
func connect(t *testing.T, med *ether.Medium, id uint8) *mesh.Mesh {
	t.Helper()
	m := join(t, med, id)
	if err := m.Begin(transport.DefaultChannel, transport.Rate1Mbps, renewTimeout); err != nil {
		t.Fatalf("node %d failed to connect: %v", id, err)
	}
	return m
}

func TestBegin_Master(t *testing.T) {
	med := ether.NewMedium(false)
	m := join(t, med, mesh.MasterNodeID)
	if !m.IsMaster() {
		t.Fatal("node id 0 should be the master")
	}
	if err := m.Begin(transport.DefaultChannel, transport.Rate1Mbps, 0); err != nil {
		t.Fatal(err)
	}
	if m.Address() != address.Master || m.Network().Address() != address.Master {
		t.Error(ExpectedActual(address.Master, m.Address()))
	}
	if a, err := m.RenewAddress(0); err != nil || a != address.Master {
		t.Error("master renewal should be immediate" + ExpectedActual(address.Master, a))
	}
	if !m.CheckConnection() {
		t.Error("the master is always connected")
	}
	if err := m.ReleaseAddress(); !errors.Is(err, mesh.ErrIsMaster) {
		t.Error(ExpectedActual(mesh.ErrIsMaster, err))
	}
}

func TestRenewAddress(t *testing.T) {
	med := ether.NewMedium(false)
	master, _ := startMaster(t, med)

	n5 := connect(t, med, 5)
	if n5.Address() != 0o5 {
		t.Fatal("the first node to ask the master gets its highest slot" + ExpectedActual(address.Address(0o5), n5.Address()))
	}
	if a, err := master.GetAddress(5); err != nil || a != 0o5 {
		t.Fatal("master did not record the lease" + ExpectedActual(address.Address(0o5), a))
	}

	t.Run("distinct nodes get distinct addresses", func(t *testing.T) {
		n9 := connect(t, med, 9)
		if n9.Address() != 0o4 {
			t.Fatal(ExpectedActual(address.Address(0o4), n9.Address()))
		}
		if id, err := n9.GetNodeID(0o5); err != nil || id != 5 {
			t.Error(ExpectedActual(uint8(5), id))
		}
	})

	t.Run("renewal keeps the lease", func(t *testing.T) {
		a, err := n5.RenewAddress(renewTimeout)
		if err != nil {
			t.Fatal(err)
		}
		if a != 0o5 || n5.Address() != 0o5 {
			t.Error(ExpectedActual(address.Address(0o5), a))
		}
	})

	t.Run("no master", func(t *testing.T) {
		alone := join(t, ether.NewMedium(false), 12)
		start := time.Now()
		a, err := alone.RenewAddress(150 * time.Millisecond)
		if !errors.Is(err, mesh.ErrNoAddress) || a != address.Default {
			t.Fatal(ExpectedActual(mesh.ErrNoAddress, err))
		}
		if time.Since(start) > 200*time.Millisecond {
			t.Error("renewal overran its timeout by too much", time.Since(start))
		}
		if alone.Address() != address.Default {
			t.Error("node should be left unconnected")
		}
	})
}

func TestRenewAddress_Deadline(t *testing.T) {
	// the master answers polls but never hands out an address
	med := ether.NewMedium(false)
	master := join(t, med, mesh.MasterNodeID)
	if err := master.Begin(transport.DefaultChannel, transport.Rate1Mbps, 0); err != nil {
		t.Fatal(err)
	}
	Drive(t, func() { master.Update() })

	n := join(t, med, 5)
	for _, timeout := range []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond} {
		t.Run(timeout.String(), func(t *testing.T) {
			start := time.Now()
			a, err := n.RenewAddress(timeout)
			elapsed := time.Since(start)
			if !errors.Is(err, mesh.ErrNoAddress) || a != address.Default {
				t.Fatal(ExpectedActual(mesh.ErrNoAddress, err))
			}
			// a single transmission may still be in flight when the deadline passes
			if limit := timeout + 40*time.Millisecond; elapsed > limit {
				t.Errorf("renewal overran its timeout: took %v, limit %v", elapsed, limit)
			}
		})
	}
}

func TestRenewAddress_ThroughContact(t *testing.T) {
	med := ether.NewMedium(false)
	master, stop := startMaster(t, med)
	n5 := connect(t, med, 5)
	stop()
	// stop the master from taking children so the next node must go through 05
	master.SetChild(false)
	Drive(t, func() { master.Update(); master.DHCP() }, func() { n5.Update() })

	n7 := connect(t, med, 7)
	if parent, _ := n7.Address().Parent(); parent != 0o5 {
		t.Fatal("node was not placed under its contact" + ExpectedActual(address.Address(0o5), parent))
	}
	if n7.Address() != 0o54 {
		t.Error("contacts hand out their highest slot, excluding the fifth" + ExpectedActual(address.Address(0o54), n7.Address()))
	}
	if a, err := n7.GetAddress(7); err != nil || a != n7.Address() {
		t.Error("two-hop lookup failed" + ExpectedActual(n7.Address(), a))
	}
	if !n7.CheckConnection() {
		t.Error("two-hop node should pass a connection check")
	}
}

func TestLookups(t *testing.T) {
	med := ether.NewMedium(false)
	master, _ := startMaster(t, med)
	n5 := connect(t, med, 5)

	if !n5.CheckConnection() {
		t.Fatal("freshly connected node failed its connection check")
	}
	if _, err := n5.GetAddress(77); !errors.Is(err, mesh.ErrNoLease) || mesh.LookupCode(err) != -1 {
		t.Error(ExpectedActual(mesh.ErrNoLease, err))
	}
	if _, err := n5.GetNodeID(0o3); !errors.Is(err, mesh.ErrNoLease) {
		t.Error(ExpectedActual(mesh.ErrNoLease, err))
	}
	if a, err := n5.GetAddress(mesh.MasterNodeID); err != nil || a != address.Master {
		t.Error(ExpectedActual(address.Master, a))
	}

	t.Run("unconnected", func(t *testing.T) {
		loner := join(t, med, 40)
		_, err := loner.GetAddress(5)
		if !errors.Is(err, mesh.ErrLookupFailed) || mesh.LookupCode(err) != -2 {
			t.Error(ExpectedActual(mesh.ErrLookupFailed, err))
		}
		if loner.CheckConnection() {
			t.Error("unconnected node passed a connection check")
		}
	})

	t.Run("lease revoked", func(t *testing.T) {
		master.RemoveLease(5)
		if n5.CheckConnection() {
			t.Error("connection check passed after the lease was revoked")
		}
	})
}

func TestWrite(t *testing.T) {
	med := ether.NewMedium(false)
	startMaster(t, med)
	n5 := connect(t, med, 5)
	n9 := connect(t, med, 9)

	if err := n5.Write([]byte("by id"), 70, 9); err != nil {
		t.Fatal(err)
	}
	n9.Update()
	f, ok := n9.Network().Read(protocol.MaxMessageSize)
	if !ok || string(f.Message) != "by id" || f.Header.FromNode != n5.Address() || f.Header.Type != 70 {
		t.Fatalf("bad read: %v %q", f.Header, f.Message)
	}

	if err := n5.Write([]byte("x"), 70, 123); !errors.Is(err, mesh.ErrNoLease) {
		t.Error("write to an unknown id" + ExpectedActual(mesh.ErrNoLease, err))
	}
	if err := n5.Write([]byte("self"), 70, 5); err != nil {
		t.Error("write to self:", err)
	}
	if f, _ := n5.Network().Read(10); string(f.Message) != "self" {
		t.Error(ExpectedActual("self", string(f.Message)))
	}

	loner := join(t, med, 41)
	if err := loner.Write(nil, 70, 5); !errors.Is(err, mesh.ErrNotConnected) {
		t.Error(ExpectedActual(mesh.ErrNotConnected, err))
	}
	if err := loner.WriteTo(0o5, nil, 70); !errors.Is(err, mesh.ErrNotConnected) {
		t.Error(ExpectedActual(mesh.ErrNotConnected, err))
	}
}

func TestReleaseAddress(t *testing.T) {
	med := ether.NewMedium(false)
	master, _ := startMaster(t, med)
	n5 := connect(t, med, 5)

	if err := n5.ReleaseAddress(); err != nil {
		t.Fatal(err)
	}
	if n5.Address() != address.Default {
		t.Error("node did not return to the default address")
	}
	if _, err := master.GetAddress(5); !errors.Is(err, mesh.ErrNoLease) {
		t.Error("master kept the released lease" + ExpectedActual(mesh.ErrNoLease, err))
	}
	if err := n5.ReleaseAddress(); !errors.Is(err, mesh.ErrNotConnected) {
		t.Error(ExpectedActual(mesh.ErrNotConnected, err))
	}
}

func TestDHCP_AutoSave(t *testing.T) {
	med := ether.NewMedium(false)
	path := filepath.Join(t.TempDir(), "leases.bin")
	_, stop := startMaster(t, med, mesh.WithStore(mesh.FileStore{Path: path}), mesh.WithAutoSave(true))
	connect(t, med, 5)
	stop()

	leases, err := mesh.FileStore{Path: path}.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0] != (mesh.Lease{NodeID: 5, Address: 0o5}) {
		t.Error("lease was not saved on assignment", leases)
	}
}

func TestUpdate_IgnoredOffMaster(t *testing.T) {
	med := ether.NewMedium(false)
	startMaster(t, med)
	n5 := connect(t, med, 5)

	// a lookup addressed to a regular node surfaces but is never answered
	r := med.NewRadio("asker")
	n := network.New(r, network.WithLogger(Logger(zerolog.WarnLevel)))
	if err := n.Begin(0o51); err != nil {
		t.Fatal(err)
	}
	hdr := protocol.Header{ToNode: 0o5, Type: mt.AddrLookup}
	if err := n.Write(&hdr, []byte{5}, network.AutoRouting); err != nil {
		t.Fatal(err)
	}
	if typ := n5.Update(); typ != mt.AddrLookup {
		t.Fatal(ExpectedActual(mt.AddrLookup, typ))
	}
	time.Sleep(5 * time.Millisecond)
	if n.Update(); n.Available() {
		t.Error("a regular node answered a lookup")
	}
	if _, ok := n.SystemFrame(); ok {
		t.Error("a regular node answered a lookup")
	}
}
