package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rflandau/rfmesh/internal/misc"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/mesh"
	"github.com/rs/zerolog"
)

// Register builds the lease endpoints onto the given api.
func Register(api huma.API, tbl LeaseTable) {
	huma.Register(api, huma.Operation{
		OperationID:   "list-leases",
		Method:        http.MethodGet,
		Path:          EP_LEASES,
		Summary:       "List every lease",
		DefaultStatus: EXPECTED_STATUS_LIST,
	}, func(ctx context.Context, _ *struct{}) (*ListResp, error) {
		resp := &ListResp{}
		resp.Body.Leases = []LeaseBody{}
		for _, l := range tbl.Leases() {
			resp.Body.Leases = append(resp.Body.Leases, toBody(l))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "get-lease",
		Method:        http.MethodGet,
		Path:          EP_LEASE,
		Summary:       "Get the lease held by a node",
		DefaultStatus: EXPECTED_STATUS_GET,
	}, func(ctx context.Context, req *LeaseReq) (*LeaseResp, error) {
		for _, l := range tbl.Leases() {
			if int(l.NodeID) == req.NodeID {
				return &LeaseResp{Body: toBody(l)}, nil
			}
		}
		return nil, HErrNoLease(req.NodeID)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-lease",
		Method:        http.MethodPut,
		Path:          EP_LEASE,
		Summary:       "Create or replace the lease held by a node",
		DefaultStatus: EXPECTED_STATUS_SET,
	}, func(ctx context.Context, req *SetReq) (*LeaseResp, error) {
		addr, err := address.Parse(req.Body.Address)
		if err != nil {
			return nil, HErrBadAddress(req.Body.Address, err)
		}
		id := uint8(req.NodeID)
		if req.Body.Static {
			err = tbl.SetStaticAddress(id, addr)
		} else {
			err = tbl.SetAddress(id, addr, req.Body.Force)
		}
		if errors.Is(err, mesh.ErrAddressInUse) {
			return nil, HErrAddressInUse(err)
		} else if err != nil {
			return nil, huma.Error500InternalServerError("failed to set lease", err)
		}
		return &LeaseResp{Body: LeaseBody{NodeID: id, Address: addr.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lease",
		Method:        http.MethodDelete,
		Path:          EP_LEASE,
		Summary:       "Drop the lease held by a node",
		DefaultStatus: EXPECTED_STATUS_DELETE,
	}, func(ctx context.Context, req *LeaseReq) (*struct{}, error) {
		if !tbl.RemoveLease(uint8(req.NodeID)) {
			return nil, HErrNoLease(req.NodeID)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "save-leases",
		Method:        http.MethodPost,
		Path:          EP_SAVE,
		Summary:       "Persist the lease table",
		DefaultStatus: EXPECTED_STATUS_SAVE,
	}, func(ctx context.Context, _ *struct{}) (*CountResp, error) {
		if err := tbl.SaveDHCP(); err != nil {
			return nil, HErrStore("save", err)
		}
		resp := &CountResp{}
		resp.Body.Leases = len(tbl.Leases())
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "load-leases",
		Method:        http.MethodPost,
		Path:          EP_LOAD,
		Summary:       "Replace the lease table with the persisted copy",
		DefaultStatus: EXPECTED_STATUS_LOAD,
	}, func(ctx context.Context, _ *struct{}) (*CountResp, error) {
		if err := tbl.LoadDHCP(); err != nil {
			return nil, HErrStore("load", err)
		}
		resp := &CountResp{}
		resp.Body.Leases = len(tbl.Leases())
		return resp, nil
	})
}

// A Server serves the admin API over HTTP.
type Server struct {
	log   *zerolog.Logger
	addr  netip.AddrPort
	alive atomic.Bool

	endpoint struct {
		api  huma.API
		mux  *http.ServeMux
		http http.Server
	}
}

// ServerOption function to set various options on the server.
type ServerOption func(*Server)

// WithLogger replaces the server's default logger with the given logger.
func WithLogger(l *zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// Override the default huma API instance.
// NOTE(rlandau): This option is applied before routes are built, meaning routes will be built onto it, potentially destructively.
func WithHumaAPI(api huma.API) ServerOption {
	return func(s *Server) { s.endpoint.api = api }
}

// NewServer returns an admin server for the given lease table.
// The server does not listen until Start is called.
func NewServer(addr netip.AddrPort, tbl LeaseTable, opts ...ServerOption) (*Server, error) {
	if !addr.IsValid() {
		return nil, errors.New("address " + addr.String() + " is not a valid ip:port")
	}
	s := &Server{addr: addr}
	s.endpoint.mux = http.NewServeMux()
	for _, opt := range opts {
		opt(s)
	}
	if s.endpoint.api == nil {
		s.endpoint.api = humago.New(s.endpoint.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	}
	if s.log == nil {
		s.log = misc.DefaultLogger("admin", addr.String())
	}
	Register(s.endpoint.api, tbl)
	return s, nil
}

// AddrPort returns the address the server listens on.
// If the server was created with port 0, this reflects the bound port once Start returns.
func (s *Server) AddrPort() netip.AddrPort {
	return s.addr
}

// Start binds the listener and serves in a new goroutine.
// The listener is bound by the time Start returns.
func (s *Server) Start() error {
	if s.alive.Load() {
		return errors.New("already started")
	}
	l, err := net.Listen("tcp", s.addr.String())
	if err != nil {
		return err
	}
	if ap, err := netip.ParseAddrPort(l.Addr().String()); err == nil {
		s.addr = ap
	}
	s.endpoint.http = http.Server{
		Handler:           s.endpoint.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.alive.Store(true)
	go func() {
		if err := s.endpoint.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.log.Info().Str("address", s.addr.String()).Msg("listening...")
	return nil
}

// Stop closes the server.
func (s *Server) Stop() {
	if !s.alive.Swap(false) {
		return
	}
	err := s.endpoint.http.Close()
	s.log.Info().Str("address", s.addr.String()).AnErr("close error", err).Msg("killed http server")
}
