package realtime

import "sync"

// outFrame is a queued message. Frames that belong to a session carry the
// session generation they were produced under and are dropped if the
// generation has moved on by the time they are written.
type outFrame struct {
	event     string
	data      any
	logPathID uint
	gen       uint64
	session   bool
}

// outbox is an ordered queue drained by a single writer goroutine.
type outbox struct {
	mu       sync.Mutex
	frames   []outFrame
	limit    int
	overflow bool
	notify   chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, notify: make(chan struct{}, 1)}
}

// push queues f. It returns false once the queue has overflowed; the
// connection is then considered too slow and should be dropped.
func (o *outbox) push(f outFrame) bool {
	o.mu.Lock()
	if o.overflow {
		o.mu.Unlock()
		return false
	}
	if o.limit > 0 && len(o.frames) >= o.limit {
		o.overflow = true
		o.frames = nil
		o.mu.Unlock()
		return false
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) drain() []outFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}
