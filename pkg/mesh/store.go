package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/rflandau/rfmesh/pkg/address"
)

// ErrCorruptLeaseFile is returned when a lease file is not a whole number of records.
// Callers should treat it as "no prior leases".
var ErrCorruptLeaseFile = errors.New("lease file is not a whole number of records")

// leaseRecordLen is the size of a single persisted lease: {node id u8, address u16 little endian}.
const leaseRecordLen = 3

// A LeaseStore persists the master's lease table.
type LeaseStore interface {
	// Save replaces any previously saved leases with the given set.
	Save(leases []Lease) error
	// Load returns the saved leases.
	// A store that has never been saved to returns no leases and no error.
	Load() ([]Lease, error)
}

// FileStore persists leases as a flat binary file of sequential records, with no header or checksum.
// The file is truncated on every save.
type FileStore struct {
	Path string
}

// Save writes every lease to the file, replacing its prior contents.
func (fs FileStore) Save(leases []Lease) error {
	if err := os.WriteFile(fs.Path, EncodeLeases(leases), 0o644); err != nil {
		return fmt.Errorf("failed to save leases to %s: %w", fs.Path, err)
	}
	return nil
}

// Load reads every lease from the file.
func (fs FileStore) Load() ([]Lease, error) {
	b, err := os.ReadFile(fs.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load leases from %s: %w", fs.Path, err)
	}
	return DecodeLeases(b)
}

// EncodeLeases packs leases into the binary record layout.
func EncodeLeases(leases []Lease) []byte {
	b := make([]byte, 0, len(leases)*leaseRecordLen)
	for _, l := range leases {
		b = append(b, l.NodeID)
		b = binary.LittleEndian.AppendUint16(b, uint16(l.Address))
	}
	return b
}

// DecodeLeases unpacks the binary record layout.
func DecodeLeases(b []byte) ([]Lease, error) {
	if len(b)%leaseRecordLen != 0 {
		return nil, fmt.Errorf("%w (%d bytes)", ErrCorruptLeaseFile, len(b))
	}
	leases := make([]Lease, 0, len(b)/leaseRecordLen)
	for i := 0; i < len(b); i += leaseRecordLen {
		leases = append(leases, Lease{
			NodeID:  b[i],
			Address: address.Address(binary.LittleEndian.Uint16(b[i+1:])),
		})
	}
	return leases, nil
}

// SaveDHCP persists the lease table to the mesh's store.
func (m *Mesh) SaveDHCP() error {
	leases := m.Leases()
	if err := m.store.Save(leases); err != nil {
		m.log.Warn().Err(err).Msg("failed to save leases")
		return err
	}
	m.log.Debug().Int("leases", len(leases)).Msg("leases saved")
	return nil
}

// LoadDHCP replaces the lease table with the contents of the mesh's store.
// On error, the table is left untouched.
// Later records win if the store holds conflicting leases for the same node id or address.
func (m *Mesh) LoadDHCP() error {
	leases, err := m.store.Load()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to load leases")
		return err
	}
	m.leases.mu.Lock()
	defer m.leases.mu.Unlock()
	m.leases.tbl.Clear()
	clear(m.static)
	for _, l := range leases {
		if err := m.setAddress(l.NodeID, l.Address, true, m.leaseTTL); err != nil {
			return err
		}
	}
	m.log.Debug().Int("leases", len(leases)).Msg("leases loaded")
	return nil
}
