package rtmp

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/relaycast/ingestd/internal/amf"
)

type recordingHandler struct {
	mu          sync.Mutex
	admitCalls  []string
	released    []string
	videoFrames int
	audioFrames int
	metadata    int
	admit       bool
}

func (h *recordingHandler) Admit(streamKey string, remoteAddr net.Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admitCalls = append(h.admitCalls, streamKey)
	return h.admit
}

func (h *recordingHandler) Released(streamKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, streamKey)
}

func (h *recordingHandler) OnMetadata(data amf.Data) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata++
}

func (h *recordingHandler) OnVideo(timestamp uint32, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.videoFrames++
}

func (h *recordingHandler) OnAudio(timestamp uint32, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audioFrames++
}

func (h *recordingHandler) snapshot() (admits, releases, video, audio, meta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.admitCalls), len(h.released), h.videoFrames, h.audioFrames, h.metadata
}

// testClient drives the client half of one RTMP publish session over a
// real loopback TCP connection, so OS socket buffering absorbs the
// request/response interleaving instead of requiring lockstep reads.
type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialSession(t *testing.T, handler Handler) (*testClient, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sess := NewSession(conn, handler)
		_ = sess.Serve()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
	c.handshake()

	return c, func() {
		conn.Close()
		ln.Close()
		<-serverDone
	}
}

func (c *testClient) handshake() {
	c1 := make([]byte, HandshakeSize)
	c0c1 := append([]byte{Version}, c1...)
	if _, err := c.conn.Write(c0c1); err != nil {
		c.t.Fatalf("write c0c1: %v", err)
	}

	s0s1s2 := make([]byte, 1+HandshakeSize+HandshakeSize)
	if _, err := readFull(c.br, s0s1s2); err != nil {
		c.t.Fatalf("read s0s1s2: %v", err)
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := c.conn.Write(c2); err != nil {
		c.t.Fatalf("write c2: %v", err)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *testClient) sendCommand(name string, transID float64, cmdObj *amf.Value, extra ...amf.Value) {
	payload := amf.Encode(amf.String(name))
	payload = append(payload, amf.Encode(amf.Number(transID))...)
	if cmdObj != nil {
		payload = append(payload, amf.Encode(*cmdObj)...)
	} else {
		payload = append(payload, amf.Encode(amf.Null())...)
	}
	for _, e := range extra {
		payload = append(payload, amf.Encode(e)...)
	}
	if err := WriteMessage(c.conn, defaultChunkSize, csidInvoke, typeInvoke, 0, 0, payload); err != nil {
		c.t.Fatalf("WriteMessage(%s): %v", name, err)
	}
}

func (c *testClient) readCommand() amf.Command {
	r := NewChunkReader(c.br)
	msg, err := r.ReadMessage()
	if err != nil {
		c.t.Fatalf("readCommand: %v", err)
	}
	return amf.DecodeCommand(msg.Payload)
}

func TestSessionConnectCreateStreamAndPublishFlow(t *testing.T) {
	handler := &recordingHandler{admit: true}
	client, closeAll := dialSession(t, handler)
	defer closeAll()

	cmdObj := amf.Object(map[string]amf.Value{"app": amf.String("live")})
	client.sendCommand("connect", 1, &cmdObj)
	connectResult := client.readCommand()
	if connectResult.Name != "_result" {
		t.Fatalf("connect response = %q, want _result", connectResult.Name)
	}

	client.sendCommand("createStream", 2, nil)
	createResult := client.readCommand()
	if createResult.Name != "_result" {
		t.Fatalf("createStream response = %q, want _result", createResult.Name)
	}

	client.sendCommand("publish", 3, nil, amf.String("mystream"), amf.String("live"))
	publishResult := client.readCommand()
	if publishResult.Name != "onStatus" {
		t.Fatalf("publish response = %q, want onStatus", publishResult.Name)
	}
	code := publishResult.Extra[0].GetProperty("code").GetString()
	if code != "NetStream.Publish.Start" {
		t.Fatalf("onStatus code = %q, want NetStream.Publish.Start", code)
	}

	admits, _, _, _, _ := handler.snapshot()
	if admits != 1 {
		t.Fatalf("Admit called %d times, want 1", admits)
	}
}

// TestSessionRejectsPublishWhenHandlerDeclines covers the session's own
// response to a declined publish (Handler.Admit returning false, e.g.
// because the encoder failed to start). The single-publisher admission
// gate itself lives in the Listener's accept loop, ahead of any
// handshake; see TestListenerDropsSecondConcurrentConnectionBeforeHandshake.
func TestSessionRejectsPublishWhenHandlerDeclines(t *testing.T) {
	handler := &recordingHandler{admit: false}
	client, closeAll := dialSession(t, handler)
	defer closeAll()

	cmdObj := amf.Object(map[string]amf.Value{"app": amf.String("live")})
	client.sendCommand("connect", 1, &cmdObj)
	client.readCommand()
	client.sendCommand("createStream", 2, nil)
	client.readCommand()

	client.sendCommand("publish", 3, nil, amf.String("mystream"), amf.String("live"))
	rejection := client.readCommand()
	if rejection.Name != "onStatus" {
		t.Fatalf("publish response = %q, want onStatus", rejection.Name)
	}
	code := rejection.Extra[0].GetProperty("code").GetString()
	if code != "NetStream.Publish.BadName" {
		t.Fatalf("onStatus code = %q, want NetStream.Publish.BadName", code)
	}
}
