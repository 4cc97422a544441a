package rtmp

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/netdata/go.d.plugin/pkg/iprange"
	"go.uber.org/zap"
)

// ParseExemptRanges parses a comma-separated list of IP ranges (as
// accepted by iprange.ParseRange) into the exempt list Admission expects.
// An empty string returns no ranges; a malformed range is skipped rather
// than failing the whole list, so one bad entry in an operator-supplied
// config doesn't lock out every exemption.
func ParseExemptRanges(s string) []iprange.Range {
	if s == "" {
		return nil
	}
	var ranges []iprange.Range
	for _, part := range strings.Split(s, ",") {
		r, err := iprange.ParseRange(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		ranges = append(ranges, r)
	}
	return ranges
}

// Admission arbitrates the single connection-level publisher slot this
// node allows, plus a per-source-IP concurrent-connection throttle. It
// is intentionally not an authentication mechanism: it does not check
// any credential, only whether the slot is free and whether the source
// address has exceeded its concurrent-connection allowance.
type Admission struct {
	active    atomic.Bool
	publisher atomic.Value // streamKey string of the current publisher, if any

	ipMu     sync.Mutex
	ipCounts map[string]int
	ipLimit  int
	exempt   []iprange.Range
}

// NewAdmission builds an Admission that allows at most ipLimit concurrent
// connections per source IP (0 disables the limit), except for addresses
// matching exempt.
func NewAdmission(ipLimit int, exempt []iprange.Range) *Admission {
	return &Admission{
		ipCounts: make(map[string]int),
		ipLimit:  ipLimit,
		exempt:   exempt,
	}
}

// TryAcquire wins the single connection slot via compare-and-swap. The
// Listener calls this once per accepted socket, before any handshake
// byte is exchanged, so that at most one accepted connection is ever
// being served at a time.
func (a *Admission) TryAcquire() bool {
	return a.active.CompareAndSwap(false, true)
}

// Release frees the slot a prior TryAcquire won. The Listener calls this
// when the session task for that socket finishes, success or error,
// whether or not the connection ever reached publish.
func (a *Admission) Release() {
	a.publisher.Store("")
	a.active.Store(false)
}

// SetPublisher records the stream key of the connection currently
// holding the slot, for CurrentStreamKey. The Handler calls it when a
// publish command arrives, before that publish is accepted or rejected.
func (a *Admission) SetPublisher(streamKey string) {
	a.publisher.Store(streamKey)
}

// Active reports whether a publisher currently holds the slot.
func (a *Admission) Active() bool {
	return a.active.Load()
}

// CurrentStreamKey returns the stream key of the current publisher, or ""
// if none.
func (a *Admission) CurrentStreamKey() string {
	v, _ := a.publisher.Load().(string)
	return v
}

func (a *Admission) isExempt(ip net.IP) bool {
	for _, r := range a.exempt {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// acquireIP registers one more connection from ip, returning false if that
// would exceed the configured per-IP concurrency limit.
func (a *Admission) acquireIP(ip net.IP) bool {
	if a.ipLimit <= 0 || a.isExempt(ip) {
		return true
	}
	key := ip.String()

	a.ipMu.Lock()
	defer a.ipMu.Unlock()

	if a.ipCounts[key] >= a.ipLimit {
		return false
	}
	a.ipCounts[key]++
	return true
}

func (a *Admission) releaseIP(ip net.IP) {
	if a.ipLimit <= 0 || a.isExempt(ip) {
		return
	}
	key := ip.String()

	a.ipMu.Lock()
	defer a.ipMu.Unlock()

	if a.ipCounts[key] > 0 {
		a.ipCounts[key]--
		if a.ipCounts[key] == 0 {
			delete(a.ipCounts, key)
		}
	}
}

// Listener accepts RTMP connections on a single TCP port and hands each
// one to a Session bound to a shared Handler (normally backed by
// Admission plus the encoder supervisor's ingest callbacks).
type Listener struct {
	addr      string
	admission *Admission
	handler   Handler
	log       *zap.Logger

	ln net.Listener
}

// NewListener builds a Listener that will bind addr (host:port) once
// Start is called.
func NewListener(addr string, admission *Admission, handler Handler, log *zap.Logger) *Listener {
	return &Listener{addr: addr, admission: admission, handler: handler, log: log}
}

// Start binds the listening socket. Accept must be called afterwards to
// actually serve connections.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("rtmp: listen %s: %w", l.addr, err)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address. Start must have succeeded first.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Accept runs the accept loop until the listener is closed, spawning one
// goroutine per connection. It returns once Close has been called.
func (l *Listener) Accept() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)

		if ip != nil && !l.admission.acquireIP(ip) {
			l.log.Warn("rtmp: rejecting connection, per-IP concurrency limit exceeded", zap.String("remote", host))
			conn.Close()
			continue
		}

		if !l.admission.TryAcquire() {
			l.log.Debug("rtmp: dropping connection, a publisher session is already active", zap.String("remote", host))
			conn.Close()
			if ip != nil {
				l.admission.releaseIP(ip)
			}
			continue
		}

		go func() {
			defer conn.Close()
			defer l.admission.Release()
			if ip != nil {
				defer l.admission.releaseIP(ip)
			}

			sess := NewSession(conn, l.handler)
			l.log.Debug("rtmp: session accepted", zap.String("session_id", sess.ID()), zap.String("remote", conn.RemoteAddr().String()))
			if err := sess.Serve(); err != nil {
				l.log.Debug("rtmp: session ended", zap.String("session_id", sess.ID()), zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}
