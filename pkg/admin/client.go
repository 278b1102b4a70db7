package admin

import (
	"fmt"
	"strconv"
	"strings"

	"resty.dev/v3"
)

// Client makes requests against a remote admin server.
type Client struct {
	base string
	rc   *resty.Client
}

// NewClient returns a client for the admin server at baseURL ("http://<ip>:<port>").
// Close the client when done.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		rc:   resty.New(),
	}
}

// Close releases the client's resources.
func (c *Client) Close() error {
	return c.rc.Close()
}

// ErrBadResponseCode is returned when the server answers with an unexpected status.
type ErrBadResponseCode struct {
	Got, Expected int
	Body          string
}

func (e *ErrBadResponseCode) Error() string {
	return fmt.Sprintf("bad response code %d (expected %d): %s", e.Got, e.Expected, e.Body)
}

func check(res *resty.Response, expected int) error {
	if res.StatusCode() != expected {
		return &ErrBadResponseCode{Got: res.StatusCode(), Expected: expected, Body: res.String()}
	}
	return nil
}

func (c *Client) leaseURL(nodeID uint8) string {
	return c.base + strings.Replace(EP_LEASE, "{node-id}", strconv.FormatUint(uint64(nodeID), 10), 1)
}

// List fetches every lease.
func (c *Client) List() ([]LeaseBody, error) {
	var lr ListResp
	res, err := c.rc.R().
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&(lr.Body)).
		Get(c.base + EP_LEASES)
	if err != nil {
		return nil, err
	}
	return lr.Body.Leases, check(res, EXPECTED_STATUS_LIST)
}

// Get fetches the lease held by nodeID.
func (c *Client) Get(nodeID uint8) (LeaseBody, error) {
	var lr LeaseResp
	res, err := c.rc.R().
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&(lr.Body)).
		Get(c.leaseURL(nodeID))
	if err != nil {
		return LeaseBody{}, err
	}
	return lr.Body, check(res, EXPECTED_STATUS_GET)
}

// Set leases addr (octal notation) to nodeID.
// See SetReq for the meaning of static and force.
func (c *Client) Set(nodeID uint8, addr string, static, force bool) (LeaseBody, error) {
	var (
		sr SetReq
		lr LeaseResp
	)
	sr.Body.Address, sr.Body.Static, sr.Body.Force = addr, static, force
	res, err := c.rc.R().
		SetBody(sr.Body). // default request content type is JSON
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&(lr.Body)).
		Put(c.leaseURL(nodeID))
	if err != nil {
		return LeaseBody{}, err
	}
	return lr.Body, check(res, EXPECTED_STATUS_SET)
}

// Delete drops the lease held by nodeID.
func (c *Client) Delete(nodeID uint8) error {
	res, err := c.rc.R().Delete(c.leaseURL(nodeID))
	if err != nil {
		return err
	}
	return check(res, EXPECTED_STATUS_DELETE)
}

// Save has the master persist its lease table, returning the number of leases saved.
func (c *Client) Save() (int, error) {
	return c.count(EP_SAVE, EXPECTED_STATUS_SAVE)
}

// Load has the master reload its lease table, returning the number of leases loaded.
func (c *Client) Load() (int, error) {
	return c.count(EP_LOAD, EXPECTED_STATUS_LOAD)
}

func (c *Client) count(ep string, expected int) (int, error) {
	var cr CountResp
	res, err := c.rc.R().
		SetExpectResponseContentType(CONTENT_TYPE).
		SetResult(&(cr.Body)).
		Post(c.base + ep)
	if err != nil {
		return 0, err
	}
	return cr.Body.Leases, check(res, expected)
}
