/*
Package ether emulates a shared radio medium in memory.

Every Radio created from a Medium hears every transmission made by any other radio on the same Medium, subject to the same filtering a physical transceiver performs: matching channel, data rate, address width, and CRC mode, and a pipe opened on the destination address.

A unicast transmission is acknowledged if at least one radio accepted it into its receive FIFO.
A radio whose FIFO is full does not accept (and thus does not acknowledge) the frame, causing the sender to retry.

All methods are safe for concurrent use, so each radio may be driven by its own goroutine.
*/
package ether

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/transport"
)

// Transmission is a record of a single frame put on air.
type Transmission struct {
	From      string // name of the sending radio
	To        address.PipeAddress
	Payload   []byte
	Multicast bool
	Delivered int // number of radios that accepted the frame
}

// A Medium is the air shared by a set of radios.
type Medium struct {
	mu     sync.Mutex
	radios []*Radio
	txLog  []Transmission
	logTx  bool
}

// NewMedium returns an empty medium.
// If logTx is set, every transmission is recorded and available via TxLog.
func NewMedium(logTx bool) *Medium {
	return &Medium{logTx: logTx}
}

// NewRadio attaches a new, powered-on radio to the medium.
// The radio starts with transport.DefaultConfig() and no open pipes.
func (m *Medium) NewRadio(name string) *Radio {
	r := &Radio{medium: m, name: name, cfg: transport.DefaultConfig(), powered: true}
	m.mu.Lock()
	m.radios = append(m.radios, r)
	m.mu.Unlock()
	return r
}

// TxLog returns a copy of every transmission recorded so far.
func (m *Medium) TxLog() []Transmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transmission, len(m.txLog))
	copy(out, m.txLog)
	return out
}

// transmit places payload on air, returning the number of radios that accepted it.
func (m *Medium) transmit(sender *Radio, cfg transport.Config, to address.PipeAddress, payload []byte, multicast bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var delivered int
	for _, rcv := range m.radios {
		if rcv == sender {
			continue
		}
		if rcv.accept(cfg, to, payload) {
			delivered++
		}
	}
	if m.logTx {
		m.txLog = append(m.txLog, Transmission{
			From:      sender.name,
			To:        to,
			Payload:   append([]byte{}, payload...),
			Multicast: multicast,
			Delivered: delivered,
		})
	}
	return delivered
}

type rxFrame struct {
	payload []byte
	pipe    uint8
}

type pipe struct {
	open bool
	addr address.PipeAddress
}

// A Radio is a single transceiver on a Medium.
// It implements transport.Radio.
type Radio struct {
	medium *Medium
	name   string

	mu      sync.Mutex // guards the fields below
	cfg     transport.Config
	pipes   [address.PipeCount]pipe
	rx      []rxFrame
	powered bool
}

var _ transport.Radio = (*Radio)(nil)

// Name returns the name the radio was created with.
func (r *Radio) Name() string {
	return r.name
}

// Configure applies cfg.
// Frames already waiting in the FIFO beyond the new depth are discarded.
func (r *Radio) Configure(cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	if len(r.rx) > cfg.FIFODepth {
		r.rx = r.rx[:cfg.FIFODepth]
	}
	return nil
}

func (r *Radio) Config() transport.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Radio) OpenReadingPipe(p uint8, addr address.PipeAddress) error {
	if p >= address.PipeCount {
		return transport.ErrBadPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipes[p] = pipe{open: true, addr: addr}
	return nil
}

func (r *Radio) CloseReadingPipe(p uint8) error {
	if p >= address.PipeCount {
		return transport.ErrBadPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipes[p] = pipe{}
	return nil
}

// Send transmits payload, retrying unicast frames per the radio's retry policy.
// A powered-down radio transmits nothing and so never receives an acknowledgment.
func (r *Radio) Send(ctx context.Context, to address.PipeAddress, payload []byte, multicast bool) error {
	if len(payload) > protocol.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	cfg := r.Config()
	for attempt := range cfg.Attempts() {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", transport.ErrNoAck, ctx.Err())
			case <-time.After(cfg.RetryDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if !r.Powered() {
			continue
		}
		delivered := r.medium.transmit(r, cfg, to, payload, multicast)
		if multicast || delivered > 0 {
			return nil
		}
	}
	return transport.ErrNoAck
}

func (r *Radio) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rx) > 0
}

func (r *Radio) Receive() ([]byte, uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rx) == 0 {
		return nil, 0, false
	}
	f := r.rx[0]
	r.rx[0] = rxFrame{}
	r.rx = r.rx[1:]
	return f.payload, f.pipe, true
}

// Inject places payload directly into the radio's receive FIFO as if it had arrived on the given pipe.
// Ignores the FIFO depth.
func (r *Radio) Inject(p uint8, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rx = append(r.rx, rxFrame{payload: append([]byte{}, payload...), pipe: p})
}

// SetPowered turns the radio on or off.
// A powered-down radio neither transmits nor receives; its FIFO is kept.
func (r *Radio) SetPowered(on bool) {
	r.mu.Lock()
	r.powered = on
	r.mu.Unlock()
}

// Powered returns whether the radio is on.
func (r *Radio) Powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powered
}

// accept is called by the medium (with the medium locked) to offer r a frame.
func (r *Radio) accept(senderCfg transport.Config, to address.PipeAddress, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered || !r.cfg.Hears(senderCfg) || len(r.rx) >= r.cfg.FIFODepth {
		return false
	}
	for i, p := range r.pipes {
		if p.open && r.cfg.Matches(p.addr, to) {
			r.rx = append(r.rx, rxFrame{payload: append([]byte{}, payload...), pipe: uint8(i)})
			return true
		}
	}
	return false
}
