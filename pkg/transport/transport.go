// Package transport defines the radio the network layer drives.
//
// A Radio moves single frames (at most protocol.MaxFrameSize bytes) to and from on-air pipe addresses.
// The network layer never touches hardware directly; implementations live in the child packages
// (ether for an in-memory medium, coapradio for a medium bridged over UDP).
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rflandau/rfmesh/pkg/address"
)

// Radio is the contract between the network layer and the physical (or emulated) radio.
//
// Implementations must be safe to call from the single goroutine driving the network; whether other goroutines may also call them is up to the implementation.
type Radio interface {
	// Configure applies cfg, replacing the current configuration.
	Configure(cfg Config) error
	// Config returns the current configuration.
	Config() Config
	// OpenReadingPipe causes the radio to accept frames sent to addr, tagging them with the given pipe number (0-5).
	// Reopening a pipe replaces its address.
	OpenReadingPipe(pipe uint8, addr address.PipeAddress) error
	// CloseReadingPipe stops the radio from accepting frames on the given pipe.
	CloseReadingPipe(pipe uint8) error
	// Send transmits payload to the given pipe address.
	// Unicast sends wait for a receiver to acknowledge, retrying per the configured retry policy until ctx is done.
	// Multicast sends are never acknowledged and succeed once the frame is on air.
	Send(ctx context.Context, to address.PipeAddress, payload []byte, multicast bool) error
	// Available returns true if at least one received frame is waiting.
	Available() bool
	// Receive pops the oldest received frame and the pipe it arrived on.
	// Returns false if nothing is waiting.
	Receive() (payload []byte, pipe uint8, ok bool)
}

var (
	// ErrNoAck is returned when no receiver acknowledged a unicast frame.
	ErrNoAck = errors.New("frame was not acknowledged")
	// ErrBadPipe is returned for pipe numbers outside 0-5.
	ErrBadPipe = errors.New("pipe must be 0 <= x <= 5")
	// ErrFrameTooLarge is returned when asked to send more than a frame's worth of bytes.
	ErrFrameTooLarge = errors.New("payload exceeds maximum frame size")
)

//#region configuration

// DataRate is the on-air bit rate. Radios only hear radios on the same rate.
type DataRate uint8

const (
	Rate1Mbps DataRate = iota
	Rate2Mbps
	Rate250Kbps
)

func (r DataRate) String() string {
	switch r {
	case Rate1Mbps:
		return "1mbps"
	case Rate2Mbps:
		return "2mbps"
	case Rate250Kbps:
		return "250kbps"
	}
	return "unknown"
}

// ParseDataRate reads a data rate from its String() form.
func ParseDataRate(s string) (DataRate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1mbps", "":
		return Rate1Mbps, nil
	case "2mbps":
		return Rate2Mbps, nil
	case "250kbps":
		return Rate250Kbps, nil
	}
	return 0, fmt.Errorf("unknown data rate %q", s)
}

// CRCMode is the length of the hardware checksum appended to each frame.
type CRCMode uint8

const (
	CRCDisabled CRCMode = 0
	CRC8        CRCMode = 8
	CRC16       CRCMode = 16
)

const (
	// MaxChannel is the highest channel a radio can tune to.
	MaxChannel uint8 = 125
	// DefaultChannel is the channel mesh networks use unless told otherwise.
	DefaultChannel uint8 = 97
	// MaxRetryCount is the highest number of automatic retransmissions.
	MaxRetryCount uint8 = 15
)

// Config describes how a radio is tuned.
type Config struct {
	Channel      uint8
	DataRate     DataRate
	AddressWidth uint8 // 3-5 bytes of each pipe address are significant; the network layer requires 5
	CRC          CRCMode
	RetryDelay   time.Duration // delay between automatic retransmissions
	RetryCount   uint8         // automatic retransmissions before giving up
	FIFODepth    int           // frames buffered on receipt; a full FIFO does not acknowledge
}

// DefaultConfig returns the configuration radios start with.
func DefaultConfig() Config {
	return Config{
		Channel:      DefaultChannel,
		DataRate:     Rate1Mbps,
		AddressWidth: 5,
		CRC:          CRC16,
		RetryDelay:   1500 * time.Microsecond,
		RetryCount:   MaxRetryCount,
		FIFODepth:    32,
	}
}

// Validate returns every problem with c, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Channel > MaxChannel {
		errs = append(errs, fmt.Errorf("channel must be 0 <= x <= %d", MaxChannel))
	}
	if c.DataRate > Rate250Kbps {
		errs = append(errs, errors.New("unknown data rate"))
	}
	if c.AddressWidth < 3 || c.AddressWidth > 5 {
		errs = append(errs, errors.New("address width must be 3 <= x <= 5"))
	}
	if c.CRC != CRCDisabled && c.CRC != CRC8 && c.CRC != CRC16 {
		errs = append(errs, errors.New("crc must be 0, 8, or 16 bits"))
	}
	if c.RetryCount > MaxRetryCount {
		errs = append(errs, fmt.Errorf("retry count must be 0 <= x <= %d", MaxRetryCount))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retry delay must not be negative"))
	}
	if c.FIFODepth < 1 {
		errs = append(errs, errors.New("fifo depth must be at least 1"))
	}
	return errors.Join(errs...)
}

// Hears returns true if a radio configured as c can receive frames sent by a radio configured as sender.
func (c Config) Hears(sender Config) bool {
	return c.Channel == sender.Channel &&
		c.DataRate == sender.DataRate &&
		c.AddressWidth == sender.AddressWidth &&
		c.CRC == sender.CRC
}

// Matches returns true if the significant bytes (per the address width) of a and b are equal.
func (c Config) Matches(a, b address.PipeAddress) bool {
	w := int(c.AddressWidth)
	if w < 3 || w > len(a) {
		w = len(a)
	}
	for i := range w {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

//#endregion configuration

// Attempts returns the number of transmissions a unicast send makes before giving up.
func (c Config) Attempts() int {
	return int(c.RetryCount) + 1
}
