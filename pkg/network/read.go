package network

import "github.com/rflandau/rfmesh/pkg/protocol"

// Available returns true if at least one message is waiting in the receive queue.
func (n *Network) Available() bool {
	return n.queue.Len() > 0
}

// Peek returns the header and full message length of the oldest queued message without consuming it.
// Returns false if the queue is empty.
func (n *Network) Peek() (protocol.Header, int, bool) {
	f, ok := n.queue.peek()
	return f.Header, len(f.Message), ok
}

// PeekFrame returns the oldest queued message (truncated to maxlen bytes) without consuming it.
// Returns false if the queue is empty.
func (n *Network) PeekFrame(maxlen int) (protocol.Frame, bool) {
	f, ok := n.queue.peek()
	if !ok {
		return f, false
	}
	return truncated(f, maxlen), true
}

// Read consumes the oldest queued message, returning its header and at most maxlen bytes of its body.
// Bytes beyond maxlen are discarded.
// Returns false if the queue is empty.
func (n *Network) Read(maxlen int) (protocol.Frame, bool) {
	f, ok := n.queue.pop()
	if !ok {
		return f, false
	}
	return truncated(f, maxlen), true
}

// AvailableExternal returns true if at least one EXTERNAL_DATA message is waiting.
func (n *Network) AvailableExternal() bool {
	return n.external.Len() > 0
}

// ReadExternal consumes the oldest EXTERNAL_DATA message, returning at most maxlen bytes of its body.
func (n *Network) ReadExternal(maxlen int) (protocol.Frame, bool) {
	f, ok := n.external.pop()
	if !ok {
		return f, false
	}
	return truncated(f, maxlen), true
}

// truncated returns a copy of f with at most maxlen bytes of message.
func truncated(f protocol.Frame, maxlen int) protocol.Frame {
	if maxlen < 0 {
		maxlen = 0
	}
	msg := f.Message
	if len(msg) > maxlen {
		msg = msg[:maxlen]
	}
	return protocol.Frame{Header: f.Header, Message: append([]byte{}, msg...)}
}
