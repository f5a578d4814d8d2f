package broadcast

import "sync"

// subscriberQueueSize bounds each Attacher's outbound channel. A full
// channel means a slow client; per spec §4.3 the policy is to drop that
// Attacher rather than block the PTY reader or any other Attacher.
const subscriberQueueSize = 1024

// Dropped names a backpressure drop. It is not sent on a subscriber's
// channel: a dropped subscriber's channel is simply closed, and WasDropped
// reports whether a close was a backpressure drop rather than a normal end.
type Dropped struct{}

// Broadcaster owns one session's scrollback Ring and fans live output out
// to every currently-subscribed Attacher.
type Broadcaster struct {
	ring *Ring

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}
	dropped     map[chan []byte]struct{}
}

// NewBroadcaster creates a Broadcaster with a scrollback ring of the given
// byte capacity.
func NewBroadcaster(ringCapacity int) *Broadcaster {
	return &Broadcaster{
		ring:        NewRing(ringCapacity),
		subscribers: make(map[chan []byte]struct{}),
		dropped:     make(map[chan []byte]struct{}),
	}
}

// Append is called by the PTY Supervisor's reader for every chunk read. The
// ring write and the live fan-out happen under the same subMu critical
// section as Subscribe's snapshot-then-register step, so the two can never
// interleave: a concurrent Subscribe either snapshots a ring that already
// includes chunk (and so must not also receive it live) or snapshots one
// that doesn't (and so receives chunk as the first live send afterward),
// never both, matching spec §4.3 and the §8 "at most once" delivery law.
func (b *Broadcaster) Append(chunk []byte) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.ring.Append(chunk)

	for ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
			// Slow consumer: drop it rather than block the reader or other
			// subscribers. The drop is recorded so Unsubscribe can tell the
			// difference between a clean detach and a backpressure kill.
			b.dropped[ch] = struct{}{}
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// Subscribe performs the atomic "snapshot then subscribe" operation
// required by spec §4.3: the scrollback snapshot and the registration of
// the live channel happen under the same critical section, so a live
// append that races with this call is either fully reflected in the
// snapshot or is the first thing delivered on the channel afterward —
// never both, never neither.
func (b *Broadcaster) Subscribe() (ch chan []byte, scrollback []byte) {
	ch = make(chan []byte, subscriberQueueSize)

	b.subMu.Lock()
	// Snapshotting the ring while already holding subMu (rather than before
	// acquiring it) is what makes this atomic: Append always takes subMu
	// before fanning out, so no Append can interleave between the ring
	// snapshot and channel registration below.
	scrollback = b.ring.Snapshot()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()

	return ch, scrollback
}

// Unsubscribe removes ch from the live subscriber set and closes it, if it
// has not already been dropped for backpressure. Safe to call more than
// once or after a backpressure drop.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, wasDropped := b.dropped[ch]; wasDropped {
		delete(b.dropped, ch)
		return
	}
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// WasDropped reports whether ch was removed due to client backpressure
// (as opposed to an explicit Unsubscribe). Callers use this to decide
// whether to emit Error(Internal, "client backpressure") before closing
// the attach.
func (b *Broadcaster) WasDropped(ch chan []byte) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	_, ok := b.dropped[ch]
	return ok
}

// CloseAll unsubscribes every current subscriber, used when the session
// transitions to Stopped and final output has been flushed.
func (b *Broadcaster) CloseAll() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
