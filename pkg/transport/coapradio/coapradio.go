/*
Package coapradio implements a radio whose "air" is a set of UDP peers speaking CoAP.

Each Radio runs a CoAP server. Transmitting a frame POSTs an envelope (the frame plus the sender's tuning and destination pipe address) to AirPath on every peer.
Peers filter envelopes exactly like a transceiver would and answer 2.04 Changed if the frame landed in an open pipe; any other answer (or none) counts as no acknowledgment.

This lets nodes on separate hosts form a mesh without radio hardware.
*/
package coapradio

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	"github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/rflandau/rfmesh/internal/misc"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/protocol"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rs/zerolog"
)

// AirPath is the resource every radio serves frames on.
const AirPath = "/air"

// DefaultPostTimeout bounds a single POST to a single peer.
const DefaultPostTimeout = 250 * time.Millisecond

var ErrNotStarted = errors.New("radio has not been started")

type rxFrame struct {
	payload []byte
	pipe    uint8
}

// A Radio is a transceiver whose medium is CoAP over UDP.
// It implements transport.Radio and is safe for concurrent use.
type Radio struct {
	log         *zerolog.Logger
	addr        netip.AddrPort
	postTimeout time.Duration

	mu    sync.Mutex // guards cfg, pipes, rx, peers, and conns
	cfg   transport.Config
	pipes [address.PipeCount]struct {
		open bool
		addr address.PipeAddress
	}
	rx    []rxFrame
	peers []netip.AddrPort
	conns map[netip.AddrPort]*client.Conn

	net struct {
		alive    atomic.Bool
		server   *server.Server
		listener *net.UDPConn
	}
}

var _ transport.Radio = (*Radio)(nil)

// Option function to set various options on the radio.
type Option func(*Radio)

// WithLogger replaces the radio's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Radio) { r.log = l }
}

// WithPeers sets the addresses frames are transmitted to.
func WithPeers(peers ...netip.AddrPort) Option {
	return func(r *Radio) { r.peers = append(r.peers, peers...) }
}

// WithPostTimeout overwrites DefaultPostTimeout.
func WithPostTimeout(d time.Duration) Option {
	return func(r *Radio) { r.postTimeout = d }
}

// New returns a radio that will listen on addr once started.
func New(addr netip.AddrPort, opts ...Option) (*Radio, error) {
	if !addr.IsValid() {
		return nil, errors.New("address " + addr.String() + " is not a valid ip:port")
	}
	r := &Radio{
		addr:        addr,
		postTimeout: DefaultPostTimeout,
		cfg:         transport.DefaultConfig(),
		conns:       make(map[netip.AddrPort]*client.Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = misc.DefaultLogger("radio", addr.String())
	}
	return r, nil
}

// AddrPort returns the address the radio listens on.
func (r *Radio) AddrPort() netip.AddrPort {
	return r.addr
}

// AddPeer adds a destination for future transmissions.
func (r *Radio) AddPeer(p netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, p)
}

// Start causes the radio to begin listening.
// Ineffectual if already listening.
func (r *Radio) Start() error {
	if !r.net.alive.CompareAndSwap(false, true) {
		return nil
	}
	router := mux.NewRouter()
	if err := router.Handle(AirPath, mux.HandlerFunc(r.handleAir)); err != nil {
		r.net.alive.Store(false)
		return err
	}
	l, err := net.NewListenUDP("udp", r.addr.String())
	if err != nil {
		r.net.alive.Store(false)
		return err
	}
	r.net.listener = l
	r.net.server = udp.NewServer(options.WithMux(router))
	r.log.Info().Str("address", r.addr.String()).Msg("radio listening")
	go func(srv *server.Server) {
		if err := srv.Serve(l); err != nil {
			r.log.Info().Err(err).Msg("server outcome")
		}
	}(r.net.server)

	time.Sleep(5 * time.Millisecond) // buy time for the server to actually start up
	return nil
}

// Stop causes the radio to stop listening and drops cached peer connections.
// Ineffectual if not listening.
func (r *Radio) Stop() {
	if !r.net.alive.CompareAndSwap(true, false) {
		return
	}
	r.log.Info().Msg("shuttering radio...")
	r.net.server.Stop()
	r.net.server = nil
	r.net.listener.Close()
	r.net.listener = nil

	r.mu.Lock()
	for p, c := range r.conns {
		c.Close()
		delete(r.conns, p)
	}
	r.mu.Unlock()
}

//#region transport.Radio

func (r *Radio) Configure(cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
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
	r.pipes[p].open, r.pipes[p].addr = true, addr
	return nil
}

func (r *Radio) CloseReadingPipe(p uint8) error {
	if p >= address.PipeCount {
		return transport.ErrBadPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipes[p].open = false
	return nil
}

// Send POSTs the frame to every peer.
// Unicast frames are retried per the configured retry policy until a peer accepts them.
func (r *Radio) Send(ctx context.Context, to address.PipeAddress, payload []byte, multicast bool) error {
	if !r.net.alive.Load() {
		return ErrNotStarted
	} else if len(payload) > protocol.MaxFrameSize {
		return transport.ErrFrameTooLarge
	}
	r.mu.Lock()
	cfg := r.cfg
	peers := append([]netip.AddrPort{}, r.peers...)
	r.mu.Unlock()

	env := envelope{
		Channel:      cfg.Channel,
		DataRate:     cfg.DataRate,
		AddressWidth: cfg.AddressWidth,
		CRC:          cfg.CRC,
		To:           to,
		Payload:      payload,
		Multicast:    multicast,
	}
	body := env.marshal()

	for attempt := range cfg.Attempts() {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(transport.ErrNoAck, ctx.Err())
			case <-time.After(cfg.RetryDelay):
			}
		}
		var acked bool
		for _, p := range peers {
			if r.post(ctx, p, body) {
				acked = true
			}
		}
		if multicast || acked {
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
	r.rx = r.rx[1:]
	return f.payload, f.pipe, true
}

//#endregion transport.Radio

// post sends body to a single peer, returning true if the peer accepted the frame.
func (r *Radio) post(ctx context.Context, peer netip.AddrPort, body []byte) bool {
	conn, err := r.conn(peer)
	if err != nil {
		r.log.Debug().Err(err).Str("peer", peer.String()).Msg("failed to dial peer")
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, r.postTimeout)
	defer cancel()
	resp, err := conn.Post(pctx, AirPath, message.AppOctets, bytes.NewReader(body))
	if err != nil {
		r.log.Debug().Err(err).Str("peer", peer.String()).Msg("failed to post frame")
		r.dropConn(peer)
		return false
	}
	return resp.Code() == codes.Changed
}

func (r *Radio) conn(peer netip.AddrPort) (*client.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, found := r.conns[peer]; found {
		return c, nil
	}
	c, err := udp.Dial(peer.String())
	if err != nil {
		return nil, err
	}
	r.conns[peer] = c
	return c, nil
}

func (r *Radio) dropConn(peer netip.AddrPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, found := r.conns[peer]; found {
		c.Close()
		delete(r.conns, peer)
	}
}

// handleAir receives envelopes from peers.
func (r *Radio) handleAir(w mux.ResponseWriter, req *mux.Message) {
	if req.Code() != codes.POST {
		r.respond(w, codes.MethodNotAllowed, "only POST is acceptable at "+AirPath)
		return
	}
	body, err := req.ReadBody()
	if err != nil {
		r.respond(w, codes.BadRequest, "failed to read body: "+err.Error())
		return
	}
	var env envelope
	if err := env.unmarshal(body); err != nil {
		r.respond(w, codes.BadRequest, "failed to decode envelope: "+err.Error())
		return
	}
	code := r.accept(env)
	r.log.Debug().Str("to", env.To.String()).Bool("multicast", env.Multicast).Str("outcome", code.String()).Msg("frame received")
	r.respond(w, code, "")
}

// accept offers the envelope to the radio's pipes.
func (r *Radio) accept(env envelope) codes.Code {
	sender := transport.Config{Channel: env.Channel, DataRate: env.DataRate, AddressWidth: env.AddressWidth, CRC: env.CRC}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Hears(sender) {
		return codes.NotFound
	}
	if len(r.rx) >= r.cfg.FIFODepth {
		return codes.ServiceUnavailable
	}
	for i, p := range r.pipes {
		if p.open && r.cfg.Matches(p.addr, env.To) {
			r.rx = append(r.rx, rxFrame{payload: env.Payload, pipe: uint8(i)})
			return codes.Changed
		}
	}
	return codes.NotFound
}

func (r *Radio) respond(w mux.ResponseWriter, code codes.Code, msg string) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(msg))); err != nil {
		r.log.Error().Str("body", msg).Err(err).Msg("failed to set response")
	}
}
