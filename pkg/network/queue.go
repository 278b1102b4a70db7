package network

import "github.com/rflandau/rfmesh/pkg/protocol"

// frameQueue is a bounded FIFO of received messages.
// Pushing onto a full queue fails rather than evicting older messages.
type frameQueue struct {
	frames []protocol.Frame
	cap    int
}

func newFrameQueue(capacity int) frameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return frameQueue{frames: make([]protocol.Frame, 0, capacity), cap: capacity}
}

// push appends f, returning false if the queue is full.
func (q *frameQueue) push(f protocol.Frame) bool {
	if len(q.frames) >= q.cap {
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

// peek returns the oldest message without removing it.
func (q *frameQueue) peek() (protocol.Frame, bool) {
	if len(q.frames) == 0 {
		return protocol.Frame{}, false
	}
	return q.frames[0], true
}

// pop removes and returns the oldest message.
func (q *frameQueue) pop() (protocol.Frame, bool) {
	f, ok := q.peek()
	if !ok {
		return f, false
	}
	q.frames[0] = protocol.Frame{}
	q.frames = q.frames[1:]
	if len(q.frames) == 0 { // reclaim the consumed prefix
		q.frames = make([]protocol.Frame, 0, q.cap)
	}
	return f, true
}

func (q *frameQueue) Len() int {
	return len(q.frames)
}
