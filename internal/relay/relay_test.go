package relay

import (
	"bytes"
	"context"
	"testing"

	"github.com/relaycast/ingestd/internal/encoder"
	"github.com/relaycast/ingestd/internal/flv"
	"github.com/relaycast/ingestd/internal/state"
)

type noopEmitter struct{}

func (noopEmitter) Emit(ctx context.Context, event string, payload any) {}

func TestPrimeWritesHeaderThenCachedSequenceHeaders(t *testing.T) {
	cache := &encoder.SequenceHeaderCache{}
	videoHeader := flv.Tag(flv.TagVideo, 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00})
	cache.Observe(videoHeader)

	r := &relayService{cache: cache}

	var buf bytes.Buffer
	if err := r.prime(&buf); err != nil {
		t.Fatalf("prime: %v", err)
	}

	want := append(append([]byte{}, flv.Header()...), videoHeader...)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("prime wrote %d bytes, want %d bytes matching header+cached tags", buf.Len(), len(want))
	}
}

func TestPrimePropagatesWriteError(t *testing.T) {
	r := &relayService{cache: &encoder.SequenceHeaderCache{}}
	if err := r.prime(failingWriter{}); err == nil {
		t.Fatal("expected prime to propagate the underlying write error")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, bytes.ErrTooLarge
}

func TestServeMarksHandleRestartingOnStartFailure(t *testing.T) {
	r := &relayService{
		target:     state.RelayTarget{ID: 1, URL: "rtmp://example.invalid", StreamKey: "k"},
		ffmpegPath: "/nonexistent/ffmpeg-binary-does-not-exist",
		cache:      &encoder.SequenceHeaderCache{},
		emitter:    noopEmitter{},
		handle:     &trackedHandle{id: 1},
	}

	if err := r.Serve(context.Background()); err == nil {
		t.Fatal("expected Serve to return an error when the child fails to start")
	}
	if !r.handle.restarting.Load() {
		t.Fatal("handle should be marked restarting after a start failure, so suture's pending retry is visible")
	}
}
