// Package encoder supervises the single transcoder child process that
// reads the inbound FLV stream on stdin and writes a muxed FLV stream to
// stdout (with an HLS tee branch written to disk), for the lifetime of
// one publish session.
package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycast/ingestd/internal/flv"
	"github.com/relaycast/ingestd/internal/logging"
	"github.com/relaycast/ingestd/internal/state"
)

const stdoutChunkSize = 4096

// Settings bundles what Start needs beyond the encoder's own settings.
type Settings struct {
	FFmpegPath string
	HLSDir     string
	LogDir     string
}

// SequenceHeaderCache accumulates the AVC/AAC sequence-header tags an
// encoder emits, in emission order, so a relay joining mid-stream can be
// primed with a decodable prefix.
type SequenceHeaderCache struct {
	mu   sync.Mutex
	tags [][]byte
}

// Observe appends chunk to the cache if it is a recognized sequence
// header tag.
func (c *SequenceHeaderCache) Observe(chunk []byte) {
	if !flv.IsVideoKeyframeAVCSequenceHeader(chunk) && !flv.IsAudioAACSequenceHeader(chunk) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.tags = append(c.tags, cp)
}

// Snapshot returns the cached headers in emission order. The returned
// slices are safe to retain; Clear does not mutate previously returned
// snapshots.
func (c *SequenceHeaderCache) Snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.tags))
	copy(out, c.tags)
	return out
}

// Clear empties the cache, for a new encoder lifetime.
func (c *SequenceHeaderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = nil
}

// Sink receives every chunk of the encoder's muxed FLV stdout, in order.
type Sink interface {
	Publish(payload []byte)
}

// Session is one running encoder child plus its stdin writer and its
// stdout reader goroutine.
type Session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	stdinErr error

	done chan struct{}
}

// Start spawns the transcoder child per settings, writes the FLV header
// to its stdin, and starts the stdout reader goroutine that feeds chunks
// to sink and observes sequence headers into cache. The returned Session
// owns the child until Stop is called.
func Start(enc state.EncoderSettings, s Settings, cache *SequenceHeaderCache, sink Sink, log *zap.Logger) (*Session, error) {
	if err := os.MkdirAll(s.HLSDir, 0o755); err != nil {
		return nil, fmt.Errorf("encoder: create hls dir: %w", err)
	}

	argv := buildArgv(enc, s.HLSDir)

	cmd := exec.Command(s.FFmpegPath, argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdout pipe: %w", err)
	}

	cmd.Stderr = logging.RotatingFile(s.LogDir, logging.EncoderLogName)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start %s: %w", s.FFmpegPath, err)
	}

	sess := &Session{cmd: cmd, stdin: stdin, done: make(chan struct{})}

	if _, err := stdin.Write(flv.Header()); err != nil {
		log.Warn("encoder: failed to write flv header to stdin", zap.Error(err))
	}

	cache.Clear()

	go sess.readLoop(stdout, cache, sink, log)

	return sess, nil
}

func (s *Session) readLoop(stdout io.ReadCloser, cache *SequenceHeaderCache, sink Sink, log *zap.Logger) {
	defer close(s.done)

	r := bufio.NewReaderSize(stdout, stdoutChunkSize)
	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cache.Observe(chunk)
			sink.Publish(chunk)
		}
		if err != nil {
			if err != io.EOF {
				log.Warn("encoder: stdout read error", zap.Error(err))
			}
			return
		}
	}
}

// WriteTag writes one FLV tag (already framed) to the encoder's stdin.
// Write failures are returned to the caller (the RTMP session), which
// logs and continues; they are not fatal to the session.
func (s *Session) WriteTag(tag []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdinErr != nil {
		return s.stdinErr
	}
	_, err := s.stdin.Write(tag)
	if err != nil {
		s.stdinErr = err
	}
	return err
}

// Stop closes stdin (signalling EOF to the child), waits for the child to
// exit without killing it unless the wait itself errors, and waits for
// the stdout reader goroutine to finish.
func (s *Session) Stop() error {
	s.mu.Lock()
	_ = s.stdin.Close()
	s.mu.Unlock()

	err := s.cmd.Wait()
	<-s.done
	if err != nil {
		_ = s.cmd.Process.Kill()
	}
	return err
}

// RemoveHLSDir deletes the HLS output directory, as the last step of the
// stop sequence once the encoder child has exited.
func RemoveHLSDir(hlsDir string) error {
	return os.RemoveAll(hlsDir)
}

func buildArgv(enc state.EncoderSettings, hlsDir string) []string {
	argv := []string{"-f", "flv", "-i", "pipe:0"}

	if enc.UsePassthrough {
		argv = append(argv, "-c:v", "copy", "-c:a", "copy")
	} else {
		argv = append(argv, "-map", "0:v:0", "-map", "0:a:0")
		argv = append(argv, "-c:v", enc.VideoCodec)
		argv = append(argv, "-b:v", fmt.Sprintf("%dk", enc.VideoBitrateKbps))
		if enc.BufsizeKbps > 0 {
			argv = append(argv, "-bufsize", fmt.Sprintf("%dk", enc.BufsizeKbps))
		}
		argv = append(argv, "-preset", enc.Preset)
		if enc.Tune != "" {
			argv = append(argv, "-tune", enc.Tune)
		}
		argv = append(argv, "-c:a", enc.AudioCodec)
		argv = append(argv, "-b:a", fmt.Sprintf("%dk", enc.AudioBitrateKbps))
	}

	playlist := filepath.Join(hlsDir, "playlist.m3u8")
	hlsArgs := fmt.Sprintf(
		"[f=hls:hls_time=6:hls_list_size=8:hls_flags=delete_segments]%s|[f=flv]pipe:1",
		playlist,
	)
	argv = append(argv, "-f", "tee", hlsArgs)

	return argv
}
