package sqlitestore_test

import (
	"path/filepath"
	"slices"
	"testing"

	. "github.com/rflandau/rfmesh/internal/testsupport"
	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rflandau/rfmesh/pkg/mesh/sqlitestore"
	"github.com/rflandau/rfmesh/pkg/network"
	"github.com/rflandau/rfmesh/pkg/transport/ether"
	"github.com/rs/zerolog"
)

func open(t *testing.T, path string) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.db")
	s := open(t, path)

	leases, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Fatal("new store is not empty", leases)
	}

	want := []mesh.Lease{{NodeID: 3, Address: 0o14}, {NodeID: 9, Address: 0o26}, {NodeID: 255, Address: 0o5555}}
	if err := s.Save([]mesh.Lease{want[2], want[0], want[1]}); err != nil {
		t.Fatal(err)
	}
	if got, err := s.Load(); err != nil || !slices.Equal(got, want) {
		t.Fatal(ExpectedActual(want, got), err)
	}

	t.Run("save replaces", func(t *testing.T) {
		next := []mesh.Lease{{NodeID: 9, Address: 0o14}}
		if err := s.Save(next); err != nil {
			t.Fatal(err)
		}
		if got, _ := s.Load(); !slices.Equal(got, next) {
			t.Error(ExpectedActual(next, got))
		}
	})

	t.Run("failed save leaves the table", func(t *testing.T) {
		before, _ := s.Load()
		dup := []mesh.Lease{{NodeID: 1, Address: 0o1}, {NodeID: 2, Address: 0o1}}
		if err := s.Save(dup); err == nil {
			t.Fatal("expected a uniqueness violation")
		}
		if got, _ := s.Load(); !slices.Equal(got, before) {
			t.Error("failed save was not rolled back" + ExpectedActual(before, got))
		}
	})

	t.Run("survives reopening", func(t *testing.T) {
		s.Close()
		again := open(t, path)
		if got, _ := again.Load(); len(got) != 1 || got[0] != (mesh.Lease{NodeID: 9, Address: 0o14}) {
			t.Error("leases did not persist", got)
		}
	})
}

func TestStore_Mesh(t *testing.T) {
	s := open(t, filepath.Join(t.TempDir(), "leases.db"))
	newMaster := func() *mesh.Mesh {
		n := network.New(ether.NewMedium(false).NewRadio("master"), network.WithLogger(Logger(zerolog.WarnLevel)))
		return mesh.New(n, mesh.MasterNodeID, mesh.WithLogger(Logger(zerolog.WarnLevel)), mesh.WithStore(s))
	}

	m := newMaster()
	m.SetAddress(3, 0o14, false)
	m.SetAddress(9, 0o26, false)
	if err := m.SaveDHCP(); err != nil {
		t.Fatal(err)
	}

	fresh := newMaster()
	if err := fresh.LoadDHCP(); err != nil {
		t.Fatal(err)
	}
	if got, want := fresh.Leases(), m.Leases(); !slices.Equal(got, want) {
		t.Error(ExpectedActual(want, got))
	}
}
