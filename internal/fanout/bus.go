// Package fanout broadcasts one publisher's FLV stream to many relay
// muxers. It never replays history to a late joiner — joiners are primed
// from a sequence-header cache instead — and it never blocks the
// publisher on a slow subscriber: a lagging subscriber simply drops
// frames rather than back-pressuring the whole stream.
package fanout

import "sync"

// producerBuffer is how deep the bus's own ingest channel is before a
// Publish call blocks the encoder's stdout reader.
const producerBuffer = 512

// subscriberBuffer is how many frames a single subscriber can lag behind
// before newly published frames are dropped for it.
const subscriberBuffer = 4096

// Frame is one chunk of the encoder's muxed FLV stdout (a single read of
// up to 4 KiB, not aligned to tag boundaries) forwarded to every
// subscribed relay.
type Frame struct {
	Payload []byte
}

// Bus is a single-producer, many-consumer broadcaster of Frames.
type Bus struct {
	in chan Frame

	mu   sync.Mutex
	subs map[int]chan Frame
	next int

	done chan struct{}
}

// New creates a Bus and starts its pump goroutine. The bus outlives
// individual publish sessions; Stop must be called once it is no longer
// needed.
func New() *Bus {
	b := &Bus{
		in:   make(chan Frame, producerBuffer),
		subs: make(map[int]chan Frame),
		done: make(chan struct{}),
	}
	go b.pump()
	return b
}

// Publish enqueues a frame for delivery to every current subscriber. It
// blocks only if the bus's own ingest buffer is full, which would
// indicate the pump goroutine is stuck, not a slow subscriber.
func (b *Bus) Publish(f Frame) {
	select {
	case b.in <- f:
	case <-b.done:
	}
}

// Subscribe registers a new consumer and returns its delivery channel and
// a token to pass to Unsubscribe. The returned channel is closed when
// Unsubscribe is called or the bus is stopped.
func (b *Bus) Subscribe() (<-chan Frame, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Frame, subscriberBuffer)
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call more than once for the same token.
func (b *Bus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[token]
	if !ok {
		return
	}
	delete(b.subs, token)
	close(ch)
}

// Stop shuts down the pump goroutine and closes every subscriber channel.
func (b *Bus) Stop() {
	close(b.done)

	b.mu.Lock()
	defer b.mu.Unlock()
	for token, ch := range b.subs {
		delete(b.subs, token)
		close(ch)
	}
}

func (b *Bus) pump() {
	for {
		select {
		case f := <-b.in:
			b.broadcast(f)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) broadcast(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			// Subscriber is lagging; drop the frame for it rather than
			// stall the publisher or every other subscriber.
		}
	}
}
