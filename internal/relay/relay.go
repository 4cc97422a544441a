// Package relay supervises the muxer child processes that republish the
// encoder's FLV output to downstream RTMP endpoints. Each relay target is
// a suture service: a normal exit (or an explicit stop) ends the service
// for good, while a non-zero exit returns an error and suture restarts
// the service, with its FailureBackoff set to the 3s backoff below. The
// number of restarts is not capped. Handle.Restarting reports that a
// restart is pending; it is surfaced through Supervisor.Handles and the
// Control API's relay status endpoint, and does not itself gate restarts.
package relay

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/relaycast/ingestd/internal/encoder"
	"github.com/relaycast/ingestd/internal/fanout"
	"github.com/relaycast/ingestd/internal/flv"
	"github.com/relaycast/ingestd/internal/logging"
	"github.com/relaycast/ingestd/internal/notify"
	"github.com/relaycast/ingestd/internal/state"
)

// backoff is the fixed retry delay spec.md §4.6/§7 calls out.
const backoff = 3 * time.Second

// Handle describes a running (or restarting) relay, for introspection by
// the Control API.
type Handle struct {
	ID         int64
	LogPath    string
	Restarting bool
}

// trackedHandle is the live, mutable bookkeeping behind one Handle
// snapshot. Restarting is touched from the relayService's own goroutine
// (via Serve) and read from Supervisor.Handles concurrently, so it is an
// atomic.Bool rather than a plain field guarded by Supervisor.mu.
type trackedHandle struct {
	id         int64
	logPath    string
	restarting atomic.Bool
}

// Supervisor owns the suture supervisor tree for all relays and the
// id → token bookkeeping stop_relay needs.
type Supervisor struct {
	sup        *suture.Supervisor
	ffmpegPath string
	logDir     string
	bus        *fanout.Bus
	cache      *encoder.SequenceHeaderCache
	emitter    notify.Emitter
	log        *zap.Logger

	mu      sync.Mutex
	tokens  map[int64]suture.ServiceToken
	handles map[int64]*trackedHandle
}

// New builds a Supervisor and starts its suture tree running in the
// background, bound to ctx.
func New(ctx context.Context, ffmpegPath, logDir string, bus *fanout.Bus, cache *encoder.SequenceHeaderCache, emitter notify.Emitter, log *zap.Logger) *Supervisor {
	sup := suture.New("relay-supervisor", suture.Spec{
		FailureBackoff: backoff,
	})
	go sup.Serve(ctx)

	return &Supervisor{
		sup:        sup,
		ffmpegPath: ffmpegPath,
		logDir:     logDir,
		bus:        bus,
		cache:      cache,
		emitter:    emitter,
		log:        log,
		tokens:     make(map[int64]suture.ServiceToken),
		handles:    make(map[int64]*trackedHandle),
	}
}

// StartRelay starts relaying to target, unless target.ID is already
// running, in which case it returns with a warning logged (not an error,
// matching spec.md §4.6 step 1).
func (s *Supervisor) StartRelay(target state.RelayTarget) {
	s.mu.Lock()
	if _, exists := s.tokens[target.ID]; exists {
		s.mu.Unlock()
		s.log.Warn("relay: start requested for already-running id", zap.Int64("id", target.ID))
		return
	}

	logPath := logging.RelayLogName(target.ID)
	handle := &trackedHandle{id: target.ID, logPath: logPath}
	s.handles[target.ID] = handle
	s.mu.Unlock()

	svc := &relayService{
		target:     target,
		ffmpegPath: s.ffmpegPath,
		logDir:     s.logDir,
		bus:        s.bus,
		cache:      s.cache,
		emitter:    s.emitter,
		log:        s.log,
		handle:     handle,
	}

	token := s.sup.Add(svc)

	s.mu.Lock()
	s.tokens[target.ID] = token
	s.mu.Unlock()

	s.emitter.Emit(context.Background(), "relay-active", map[string]any{"id": target.ID})
}

// StopRelay removes a relay's service from the supervisor, which cancels
// its context and tears down its child. Idempotent: stopping a missing id
// is a no-op.
func (s *Supervisor) StopRelay(id int64) {
	s.mu.Lock()
	token, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tokens, id)
	delete(s.handles, id)
	s.mu.Unlock()

	_ = s.sup.Remove(token)
	s.emitter.Emit(context.Background(), "relay-ended", map[string]any{"id": id})
}

// StartRelays starts every enabled target, per target failures logged and
// skipped rather than aborting the batch.
func (s *Supervisor) StartRelays(targets []state.RelayTarget) {
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		s.StartRelay(t)
	}
}

// StopRelays stops every currently running relay.
func (s *Supervisor) StopRelays() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.StopRelay(id)
	}
}

// Handles returns a snapshot of every currently tracked relay, for the
// Control API's relay status endpoint.
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, Handle{ID: h.id, LogPath: h.logPath, Restarting: h.restarting.Load()})
	}
	return out
}

// relayService is one relay target's suture.Service: spawn the muxer
// child, prime it with cached sequence headers, pump bus frames to its
// stdin, and wait for either ctx cancellation (graceful stop) or the
// child's exit (which suture interprets as success=nil/failure=error).
type relayService struct {
	target     state.RelayTarget
	ffmpegPath string
	logDir     string
	bus        *fanout.Bus
	cache      *encoder.SequenceHeaderCache
	emitter    notify.Emitter
	log        *zap.Logger
	handle     *trackedHandle
}

func (r *relayService) Serve(ctx context.Context) error {
	// Suture is about to give this service a fresh run, so whatever
	// restart was pending has now happened.
	r.handle.restarting.Store(false)

	dest := fmt.Sprintf("%s/%s", r.target.URL, r.target.StreamKey)
	argv := []string{"-f", "flv", "-i", "pipe:0", "-c:v", "copy", "-c:a", "copy", "-f", "flv", dest}

	cmd := exec.CommandContext(ctx, r.ffmpegPath, argv...)
	cmd.Stderr = logging.RotatingFile(r.logDir, logging.RelayLogName(r.target.ID))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.handle.restarting.Store(true)
		r.emitter.Emit(ctx, "relay-failed", map[string]any{"id": r.target.ID, "reason": err.Error()})
		return fmt.Errorf("relay %d: stdin pipe: %w", r.target.ID, err)
	}

	if err := cmd.Start(); err != nil {
		r.handle.restarting.Store(true)
		r.emitter.Emit(ctx, "relay-failed", map[string]any{"id": r.target.ID, "reason": err.Error()})
		return fmt.Errorf("relay %d: start: %w", r.target.ID, err)
	}

	if err := r.prime(stdin); err != nil {
		_ = cmd.Process.Kill()
		r.handle.restarting.Store(true)
		r.emitter.Emit(ctx, "relay-failed", map[string]any{"id": r.target.ID, "reason": err.Error()})
		return fmt.Errorf("relay %d: priming stdin: %w", r.target.ID, err)
	}

	frames, token := r.bus.Subscribe()
	defer r.bus.Unsubscribe(token)

	writerDone := make(chan error, 1)
	go r.writeLoop(stdin, frames, writerDone)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-waitDone
		return nil
	case err := <-waitDone:
		_ = stdin.Close()
		if err != nil {
			r.handle.restarting.Store(true)
			r.emitter.Emit(context.Background(), "relay-failed", map[string]any{"id": r.target.ID, "reason": err.Error()})
			return fmt.Errorf("relay %d: child exited: %w", r.target.ID, err)
		}
		r.emitter.Emit(context.Background(), "relay-ended", map[string]any{"id": r.target.ID})
		return nil
	}
}

func (r *relayService) prime(stdin io.Writer) error {
	if _, err := stdin.Write(flv.Header()); err != nil {
		return err
	}
	for _, tag := range r.cache.Snapshot() {
		if _, err := stdin.Write(tag); err != nil {
			return err
		}
	}
	return nil
}

func (r *relayService) writeLoop(stdin io.WriteCloser, frames <-chan fanout.Frame, done chan<- error) {
	for f := range frames {
		if _, err := stdin.Write(f.Payload); err != nil {
			done <- err
			return
		}
	}
	done <- nil
}
