package fanout

import (
	"testing"
	"time"
)

func TestSubscriberReceivesPublishedFrames(t *testing.T) {
	b := New()
	defer b.Stop()

	ch, token := b.Subscribe()
	defer b.Unsubscribe(token)

	b.Publish(Frame{Payload: []byte("a")})

	select {
	case f := <-ch:
		if string(f.Payload) != "a" {
			t.Fatalf("payload = %q, want %q", f.Payload, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Stop()

	ch, token := b.Subscribe()
	b.Unsubscribe(token)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestSlowSubscriberDropsInsteadOfBlockingPublisher(t *testing.T) {
	b := New()
	defer b.Stop()

	ch, token := b.Subscribe()
	defer b.Unsubscribe(token)

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(Frame{Payload: []byte{byte(i)}})
	}

	// The publisher must not have blocked; draining a bounded number of
	// frames from ch must succeed without timing out.
	drained := 0
	timeout := time.After(time.Second)
loop:
	for drained < subscriberBuffer {
		select {
		case <-ch:
			drained++
		case <-timeout:
			break loop
		}
	}
	if drained == 0 {
		t.Fatal("expected at least some frames to have been delivered")
	}
}

func TestMultipleSubscribersEachReceiveFrames(t *testing.T) {
	b := New()
	defer b.Stop()

	ch1, t1 := b.Subscribe()
	ch2, t2 := b.Subscribe()
	defer b.Unsubscribe(t1)
	defer b.Unsubscribe(t2)

	b.Publish(Frame{Payload: []byte("x")})

	for _, ch := range []<-chan Frame{ch1, ch2} {
		select {
		case f := <-ch:
			if string(f.Payload) != "x" {
				t.Fatalf("payload = %q, want %q", f.Payload, "x")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}
