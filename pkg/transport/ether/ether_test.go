package ether_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/rflandau/rfmesh/internal/testsupport"
	"github.com/rflandau/rfmesh/pkg/address"
	"github.com/rflandau/rfmesh/pkg/transport"
	"github.com/rflandau/rfmesh/pkg/transport/ether"
)

// fastConfig keeps retry loops short so failed sends do not drag tests out.
func fastConfig() transport.Config {
	c := transport.DefaultConfig()
	c.RetryDelay, c.RetryCount = 100*time.Microsecond, 3
	return c
}

func newPair(t *testing.T) (*ether.Medium, *ether.Radio, *ether.Radio) {
	t.Helper()
	m := ether.NewMedium(true)
	a, b := m.NewRadio("a"), m.NewRadio("b")
	for _, r := range []*ether.Radio{a, b} {
		if err := r.Configure(fastConfig()); err != nil {
			t.Fatal(err)
		}
	}
	return m, a, b
}

func TestUnicast(t *testing.T) {
	_, a, b := newPair(t)
	pa := address.For(0o3, 2)
	if err := b.OpenReadingPipe(2, pa); err != nil {
		t.Fatal(err)
	}

	if err := a.Send(context.Background(), pa, []byte("hello"), false); err != nil {
		t.Fatal(err)
	}
	if !b.Available() {
		t.Fatal("frame was not received")
	}
	payload, pipe, ok := b.Receive()
	if !ok || pipe != 2 || string(payload) != "hello" {
		t.Fatalf("bad receipt: ok=%v pipe=%d payload=%q", ok, pipe, payload)
	}
	if a.Available() {
		t.Error("sender heard its own transmission")
	}
	if _, _, ok := b.Receive(); ok {
		t.Error("FIFO should be empty")
	}
}

func TestNoAck(t *testing.T) {
	m, a, b := newPair(t)
	pa := address.For(0o3, 2)

	t.Run("no open pipe", func(t *testing.T) {
		if err := a.Send(context.Background(), pa, []byte("x"), false); !errors.Is(err, transport.ErrNoAck) {
			t.Fatal(ExpectedActual(transport.ErrNoAck, err))
		}
		// every attempt went on air
		if n := len(m.TxLog()); n != fastConfig().Attempts() {
			t.Error("bad attempt count" + ExpectedActual(fastConfig().Attempts(), n))
		}
	})

	t.Run("different channel", func(t *testing.T) {
		b.OpenReadingPipe(2, pa)
		c := fastConfig()
		c.Channel = 3
		b.Configure(c)
		defer b.Configure(fastConfig())
		if err := a.Send(context.Background(), pa, []byte("x"), false); !errors.Is(err, transport.ErrNoAck) {
			t.Fatal(ExpectedActual(transport.ErrNoAck, err))
		}
	})

	t.Run("powered off", func(t *testing.T) {
		b.SetPowered(false)
		defer b.SetPowered(true)
		if err := a.Send(context.Background(), pa, []byte("x"), false); !errors.Is(err, transport.ErrNoAck) {
			t.Fatal(ExpectedActual(transport.ErrNoAck, err))
		}
		if b.Available() {
			t.Fatal("powered off radio received a frame")
		}
	})

	t.Run("context expires", func(t *testing.T) {
		c := fastConfig()
		c.RetryDelay = 50 * time.Millisecond
		a.Configure(c)
		defer a.Configure(fastConfig())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := a.Send(ctx, address.For(0o5, 1), []byte("x"), false)
		if !errors.Is(err, transport.ErrNoAck) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("expected ErrNoAck wrapping the deadline", err)
		}
		if time.Since(start) > 45*time.Millisecond {
			t.Error("send outlived its context")
		}
	})
}

func TestFullFIFO(t *testing.T) {
	_, a, b := newPair(t)
	c := fastConfig()
	c.FIFODepth = 2
	b.Configure(c)
	pa := address.For(0o1, 1)
	b.OpenReadingPipe(1, pa)

	for i := range 2 {
		if err := a.Send(context.Background(), pa, []byte{byte(i)}, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Send(context.Background(), pa, []byte{9}, false); !errors.Is(err, transport.ErrNoAck) {
		t.Fatal("full FIFO should not acknowledge" + ExpectedActual(transport.ErrNoAck, err))
	}
	// FIFO order is kept
	for i := range 2 {
		payload, _, _ := b.Receive()
		if !bytes.Equal(payload, []byte{byte(i)}) {
			t.Error(ExpectedActual([]byte{byte(i)}, payload))
		}
	}
}

func TestMulticast(t *testing.T) {
	m := ether.NewMedium(false)
	sender := m.NewRadio("sender")
	var listeners []*ether.Radio
	for _, name := range []string{"x", "y", "z"} {
		r := m.NewRadio(name)
		r.OpenReadingPipe(address.MulticastPipe, address.LevelAddress(1))
		listeners = append(listeners, r)
	}
	deaf := m.NewRadio("deaf")
	deaf.OpenReadingPipe(address.MulticastPipe, address.LevelAddress(2))

	if err := sender.Send(context.Background(), address.LevelAddress(1), []byte("all"), true); err != nil {
		t.Fatal(err)
	}
	for _, r := range listeners {
		if payload, pipe, ok := r.Receive(); !ok || pipe != address.MulticastPipe || string(payload) != "all" {
			t.Errorf("%s: ok=%v pipe=%d payload=%q", r.Name(), ok, pipe, payload)
		}
	}
	if deaf.Available() {
		t.Error("radio on another level heard the multicast")
	}

	// multicasts are never acknowledged, so nobody listening is not an error
	if err := sender.Send(context.Background(), address.LevelAddress(4), []byte("none"), true); err != nil {
		t.Error("multicast to an empty level should not fail:", err)
	}
}

func TestPipes(t *testing.T) {
	_, a, b := newPair(t)
	if err := b.OpenReadingPipe(address.PipeCount, address.For(0o1, 1)); !errors.Is(err, transport.ErrBadPipe) {
		t.Error(ExpectedActual(transport.ErrBadPipe, err))
	}
	pa := address.For(0o1, 1)
	b.OpenReadingPipe(1, pa)
	b.CloseReadingPipe(1)
	if err := a.Send(context.Background(), pa, []byte("x"), false); !errors.Is(err, transport.ErrNoAck) {
		t.Error("closed pipe should not receive" + ExpectedActual(transport.ErrNoAck, err))
	}
	if err := a.Send(context.Background(), pa, make([]byte, 33), false); !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Error(ExpectedActual(transport.ErrFrameTooLarge, err))
	}

	b.Inject(4, []byte("injected"))
	if payload, pipe, ok := b.Receive(); !ok || pipe != 4 || string(payload) != "injected" {
		t.Errorf("bad injected receipt: ok=%v pipe=%d payload=%q", ok, pipe, payload)
	}
}
