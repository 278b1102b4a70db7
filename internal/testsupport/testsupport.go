// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/rflandau/rfmesh/internal/misc"
	"github.com/rs/zerolog"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// SlicesUnorderedEqual compares the elements of the given slices for equality and equal count without taking order of the elements into account.
func SlicesUnorderedEqual[T comparable](a []T, b []T) bool {
	am := make(map[T]uint)
	for _, k := range a {
		am[k] += 1
	}
	bm := make(map[T]uint)
	for _, k := range b {
		bm[k] += 1
	}
	return maps.Equal(am, bm)
}

// CoAPPing is a helper function that sends a ping to the given address.
func CoAPPing(addr string, timeout time.Duration) error {
	conn, err := udp.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return conn.Ping(ctx)
}

var (
	usedPorts   map[uint16]bool = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns a random addrport pointing to a randomly selected port >= 1024 and localhost.
// Maintains a map of ports that it has given out to ensure no duplicates.
// Not a perfect solution, but it is just to support testing so ¯\_(ツ)_/¯
func RandomLocalhostAddrPort() netip.AddrPort {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	var port uint16
	for {
		port = misc.RandomPort()
		if _, found := usedPorts[port]; !found {
			usedPorts[port] = true
			break
		}
	}

	return netip.MustParseAddrPort("[::1]:" + strconv.FormatUint(uint64(port), 10))
}

// Drive spins up a goroutine that repeatedly calls each of the given functions until the test ends (or the returned stop function is called).
// Stop blocks until the goroutine has returned, so state touched by fns is safe to inspect afterward.
//
// Used to emulate the control loop each radio node would be running on its own hardware.
func Drive(t *testing.T, fns ...func()) (stop func()) {
	t.Helper()
	var (
		done = make(chan struct{})
		wg   sync.WaitGroup
		once sync.Once
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, f := range fns {
				f()
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()
	stop = func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
	t.Cleanup(stop)
	return stop
}

// Logger returns a console logger at the given level, suitable for passing to WithLogger options in tests.
func Logger(lvl zerolog.Level) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Caller().Logger().Level(lvl)
	return &l
}
