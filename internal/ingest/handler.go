// Package ingest wires one RTMP session's publish lifecycle to the
// encoder supervisor, the fan-out bus, and the notification emitter: it
// is the glue spec.md §4.3's event-dispatch phase describes.
package ingest

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycast/ingestd/internal/amf"
	"github.com/relaycast/ingestd/internal/encoder"
	"github.com/relaycast/ingestd/internal/fanout"
	"github.com/relaycast/ingestd/internal/flv"
	"github.com/relaycast/ingestd/internal/notify"
	"github.com/relaycast/ingestd/internal/rtmp"
	"github.com/relaycast/ingestd/internal/state"
)

const (
	playlistPollInterval = 500 * time.Millisecond
	playlistPollAttempts = 50
)

// SettingsSource returns the encoder settings to use for the next
// publish session.
type SettingsSource func(ctx context.Context) state.EncoderSettings

// Handler implements rtmp.Handler: it starts the encoder supervisor when
// a publisher is admitted and tears it down when the session ends.
type Handler struct {
	admission *rtmp.Admission

	encCfg   encoder.Settings
	settings SettingsSource
	cache    *encoder.SequenceHeaderCache
	bus      *fanout.Bus
	emitter  notify.Emitter
	log      *zap.Logger

	mu      sync.Mutex
	session *encoder.Session
}

// New builds a Handler bound to admission for the single-publisher slot
// and bus for fan-out of the encoder's muxed output.
func New(admission *rtmp.Admission, encCfg encoder.Settings, settings SettingsSource, cache *encoder.SequenceHeaderCache, bus *fanout.Bus, emitter notify.Emitter, log *zap.Logger) *Handler {
	return &Handler{
		admission: admission,
		encCfg:    encCfg,
		settings:  settings,
		cache:     cache,
		bus:       bus,
		emitter:   emitter,
		log:       log,
	}
}

// busSink adapts *fanout.Bus to encoder.Sink.
type busSink struct{ bus *fanout.Bus }

func (b busSink) Publish(payload []byte) {
	b.bus.Publish(fanout.Frame{Payload: payload})
}

// Admit implements rtmp.Handler.Admit: records the stream key and starts
// the encoder child. The connection-level publisher slot is already held
// by the time this runs; Admit only rejects the publish if the encoder
// itself fails to start.
func (h *Handler) Admit(streamKey string, remoteAddr net.Addr) bool {
	h.admission.SetPublisher(streamKey)

	ctx := context.Background()
	enc := h.settings(ctx)

	sess, err := encoder.Start(enc, h.encCfg, h.cache, busSink{h.bus}, h.log)
	if err != nil {
		h.log.Warn("ingest: encoder failed to start", zap.Error(err))
		return false
	}

	h.mu.Lock()
	h.session = sess
	h.mu.Unlock()

	h.emitter.Emit(ctx, "stream-active", map[string]any{"stream_key": streamKey})
	go h.pollPlaylist(ctx)

	return true
}

func (h *Handler) pollPlaylist(ctx context.Context) {
	playlist := h.encCfg.HLSDir + "/playlist.m3u8"
	for i := 0; i < playlistPollAttempts; i++ {
		if _, err := os.Stat(playlist); err == nil {
			h.emitter.Emit(ctx, "stream-preview-active", nil)
			return
		}
		time.Sleep(playlistPollInterval)
	}
	h.emitter.Emit(ctx, "stream-preview-failed", nil)
}

// Released implements rtmp.Handler.Released: stops the encoder, emits the
// teardown notifications, and removes the HLS output directory. Relays
// are deliberately left running; they persist across publisher
// reconnects per spec.md §4.3.
func (h *Handler) Released(streamKey string) {
	h.mu.Lock()
	sess := h.session
	h.session = nil
	h.mu.Unlock()

	if sess != nil {
		_ = sess.Stop()
	}

	h.emitter.Emit(context.Background(), "stream-ended", map[string]any{"stream_key": streamKey})

	if err := encoder.RemoveHLSDir(h.encCfg.HLSDir); err != nil {
		h.log.Warn("ingest: failed to remove hls dir", zap.Error(err))
	}
	h.emitter.Emit(context.Background(), "stream-preview-ended", nil)
}

// OnMetadata implements rtmp.Handler.OnMetadata. Per the fidelity choice
// recorded in DESIGN.md, the decoded metadata is logged but the
// script-data tag it could build is not written to the encoder's stdin.
func (h *Handler) OnMetadata(data amf.Data) {
	h.log.Debug("ingest: received stream metadata", zap.String("tag", data.Tag))
}

// OnVideo implements rtmp.Handler.OnVideo: frames an FLV video tag and
// writes it to the active encoder session's stdin, if any.
func (h *Handler) OnVideo(timestamp uint32, payload []byte) {
	h.writeTag(flv.Tag(flv.TagVideo, timestamp, payload))
}

// OnAudio implements rtmp.Handler.OnAudio.
func (h *Handler) OnAudio(timestamp uint32, payload []byte) {
	h.writeTag(flv.Tag(flv.TagAudio, timestamp, payload))
}

func (h *Handler) writeTag(tag []byte) {
	h.mu.Lock()
	sess := h.session
	h.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.WriteTag(tag); err != nil {
		h.log.Warn("ingest: failed to write tag to encoder stdin", zap.Error(err))
	}
}
