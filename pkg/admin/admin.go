/*
Package admin exposes a mesh master's lease table over HTTP.

The server side (Register, Server) is built on huma; the client side (Client) is built on resty.
Leases travel as JSON, with addresses rendered in octal notation (ex: "052").
*/
package admin

import (
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/mesh"
)

const (
	_API_NAME    = "rfmesh admin"
	_API_VERSION = "0.1.0"

	CONTENT_TYPE = "application/json"
)

// Endpoints served by the admin API.
const (
	EP_LEASES = "/leases"
	EP_LEASE  = "/leases/{node-id}"
	EP_SAVE   = "/leases/save"
	EP_LOAD   = "/leases/load"
)

// Status codes returned on success.
const (
	EXPECTED_STATUS_LIST   = http.StatusOK
	EXPECTED_STATUS_GET    = http.StatusOK
	EXPECTED_STATUS_SET    = http.StatusOK
	EXPECTED_STATUS_DELETE = http.StatusNoContent
	EXPECTED_STATUS_SAVE   = http.StatusOK
	EXPECTED_STATUS_LOAD   = http.StatusOK
)

// LeaseTable is the subset of a mesh master the admin API operates on.
// *mesh.Mesh satisfies it.
type LeaseTable interface {
	Leases() []mesh.Lease
	SetAddress(nodeID uint8, addr address.Address, searchByAddress bool) error
	SetStaticAddress(nodeID uint8, addr address.Address) error
	RemoveLease(nodeID uint8) bool
	SaveDHCP() error
	LoadDHCP() error
}

//#region request/response bodies

// LeaseBody is the wire form of a single lease.
type LeaseBody struct {
	NodeID  uint8  `json:"node-id" example:"5" doc:"stable identity of the node"`
	Address string `json:"address" example:"052" doc:"logical address in octal notation"`
}

func toBody(l mesh.Lease) LeaseBody {
	return LeaseBody{NodeID: l.NodeID, Address: l.Address.String()}
}

// ListResp is the response for GET /leases.
type ListResp struct {
	Body struct {
		Leases []LeaseBody `json:"leases" doc:"every lease held by the master, ordered by node id"`
	}
}

// LeaseReq identifies a single lease by node id.
type LeaseReq struct {
	NodeID int `path:"node-id" minimum:"0" maximum:"255" example:"5" doc:"node id of the lease"`
}

// LeaseResp is the response for GET and PUT /leases/{node-id}.
type LeaseResp struct {
	Body LeaseBody
}

// SetReq is the request for PUT /leases/{node-id}.
type SetReq struct {
	NodeID int `path:"node-id" minimum:"0" maximum:"255" example:"5" doc:"node id of the lease"`
	Body   struct {
		Address string `json:"address" required:"true" example:"052" doc:"logical address in octal notation"`
		Static  bool   `json:"static,omitempty" example:"false" doc:"the lease never lapses; an existing holder of the address is evicted"`
		Force   bool   `json:"force,omitempty" example:"false" doc:"evict an existing holder of the address"`
	}
}

// CountResp is the response for POST /leases/save and /leases/load.
type CountResp struct {
	Body struct {
		Leases int `json:"leases" example:"3" doc:"number of leases in the table after the operation"`
	}
}

//#endregion request/response bodies

//#region Huma Errors

func HErrNoLease(nodeID int) error {
	return huma.Error404NotFound(fmt.Sprintf("node %d holds no lease", nodeID))
}

func HErrBadAddress(addr string, err error) error {
	return huma.Error422UnprocessableEntity(fmt.Sprintf("failed to parse %q as an octal address", addr), err)
}

func HErrAddressInUse(err error) error {
	return huma.Error409Conflict(err.Error())
}

func HErrStore(op string, err error) error {
	return huma.Error500InternalServerError("failed to "+op+" leases", err)
}

//#endregion Huma Errors
