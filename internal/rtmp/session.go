package rtmp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/relaycast/ingestd/internal/amf"
)

// Handler receives the lifecycle and media events of one publish session.
// Implementations are expected not to block for long inside these calls;
// the session's read loop is synchronous with them.
type Handler interface {
	// Admit is called once, after the client's publish command arrives.
	// The connection already holds the node's single publisher slot by
	// this point (the Listener's accept-time compare-and-swap
	// guarantees that); Admit's job is to record the stream key and
	// start whatever backs the publish, returning false only if that
	// fails.
	Admit(streamKey string, remoteAddr net.Addr) bool

	// Released is called when a previously admitted publisher's session
	// ends, for any reason.
	Released(streamKey string)

	OnMetadata(meta amf.Data)
	OnVideo(timestamp uint32, payload []byte)
	OnAudio(timestamp uint32, payload []byte)
}

// Session drives one RTMP connection through handshake, connect,
// createStream, and publish, then forwards audio/video/data messages to
// a Handler until the connection closes. It never accepts play requests;
// this node has no playback path.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// id correlates this session's log lines across the accept loop, the
	// handshake, and the handler callbacks it drives.
	id string

	reader *ChunkReader

	outChunkSize int

	appName    string
	streamKey  string
	streamID   uint32
	publishing bool
	admitted   bool

	handler Handler

	windowAckSize uint32
	bytesIn       uint32
	lastAck       uint32
}

// NewSession wraps conn for one RTMP publish session.
func NewSession(conn net.Conn, h Handler) *Session {
	return &Session{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 4096),
		bw:           bufio.NewWriterSize(conn, 4096),
		id:           uuid.NewString(),
		outChunkSize: defaultChunkSize,
		handler:      h,
	}
}

// ID returns the session's correlation id, stable for its whole lifetime.
func (s *Session) ID() string {
	return s.id
}

// Serve runs the handshake and then the message loop until the connection
// is closed or a protocol error occurs. It always returns a non-nil error
// (io.EOF on a clean close).
func (s *Session) Serve() error {
	if err := s.handshake(); err != nil {
		return fmt.Errorf("rtmp: handshake: %w", err)
	}

	s.reader = NewChunkReader(s.br)

	defer func() {
		if s.publishing {
			s.handler.Released(s.streamKey)
		}
	}()

	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handshake() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(idleDeadline)); err != nil {
		return err
	}

	c0c1 := make([]byte, 1+HandshakeSize)
	if _, err := io.ReadFull(s.br, c0c1); err != nil {
		return err
	}
	if c0c1[0] != Version {
		return fmt.Errorf("unsupported handshake version %d", c0c1[0])
	}

	s0s1s2 := GenerateS0S1S2(c0c1[1:])
	if _, err := s.bw.Write(s0s1s2); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}

	c2 := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(s.br, c2); err != nil {
		return err
	}

	// A publish session can run indefinitely once the handshake lands;
	// idleDeadline only bounds how long a connection may sit open before
	// speaking RTMP at all.
	return s.conn.SetReadDeadline(time.Time{})
}

func (s *Session) handleMessage(msg *Message) error {
	s.bytesIn += uint32(len(msg.Payload))
	if s.windowAckSize > 0 && s.bytesIn-s.lastAck >= s.windowAckSize {
		s.lastAck = s.bytesIn
		if err := s.sendAck(); err != nil {
			return err
		}
	}

	switch msg.TypeID {
	case typeSetChunkSize:
		if len(msg.Payload) >= 4 {
			s.reader.SetChunkSize(uint24Big(msg.Payload))
		}
	case typeAbort, typeAcknowledgement:
		// Nothing to do for a publish-only session.
	case typeWindowAckSize:
		if len(msg.Payload) >= 4 {
			s.windowAckSize = uint24Big(msg.Payload)
		}
	case typeEvent:
		// User control events from the publisher are not expected.
	case typeAudio:
		if s.publishing {
			s.handler.OnAudio(msg.Timestamp, msg.Payload)
		}
	case typeVideo:
		if s.publishing {
			s.handler.OnVideo(msg.Timestamp, msg.Payload)
		}
	case typeData:
		if s.publishing {
			data := amf.DecodeData(msg.Payload)
			s.handler.OnMetadata(data)
		}
	case typeInvoke:
		return s.handleInvoke(msg)
	default:
		// Shared objects, flex messages: ignored.
	}
	return nil
}

func (s *Session) handleInvoke(msg *Message) error {
	cmd := amf.DecodeCommand(msg.Payload)

	switch cmd.Name {
	case "connect":
		s.appName = cmd.Arg("cmdObj").GetProperty("app").GetString()
		return s.respondConnect(cmd.TransID)
	case "createStream":
		s.streamID = 1
		return s.respondCreateStream(cmd.TransID)
	case "releaseStream", "FCPublish", "FCUnpublish":
		return nil
	case "publish":
		s.streamKey = cmd.Arg("streamName").GetString()
		if !s.handler.Admit(s.streamKey, s.conn.RemoteAddr()) {
			return s.respondPublishRejected(cmd.TransID)
		}
		s.admitted = true
		s.publishing = true
		return s.respondPublishStart(cmd.TransID)
	case "deleteStream", "closeStream":
		if s.publishing {
			s.publishing = false
			s.handler.Released(s.streamKey)
		}
		return nil
	default:
		return nil
	}
}

func (s *Session) respondConnect(transID float64) error {
	result := amf.Object(map[string]amf.Value{
		"fmsVer":       amf.String("FMS/3,0,1,123"),
		"capabilities": amf.Number(31),
	})
	info := amf.Object(map[string]amf.Value{
		"level":          amf.String("status"),
		"code":           amf.String("NetConnection.Connect.Success"),
		"description":    amf.String("Connection succeeded."),
		"objectEncoding": amf.Number(0),
	})
	return s.sendCommand("_result", transID, &result, &info)
}

func (s *Session) respondCreateStream(transID float64) error {
	return s.sendCommand("_result", transID, nil, amf.Number(float64(s.streamID)))
}

func (s *Session) respondPublishStart(transID float64) error {
	info := amf.Object(map[string]amf.Value{
		"level":       amf.String("status"),
		"code":        amf.String("NetStream.Publish.Start"),
		"description": amf.String(fmt.Sprintf("%s is now published.", s.streamKey)),
	})
	return s.sendStreamCommand("onStatus", 0, nil, &info)
}

func (s *Session) respondPublishRejected(transID float64) error {
	info := amf.Object(map[string]amf.Value{
		"level":       amf.String("error"),
		"code":        amf.String("NetStream.Publish.BadName"),
		"description": amf.String("failed to start the encoder"),
	})
	if err := s.sendStreamCommand("onStatus", 0, nil, &info); err != nil {
		return err
	}
	return fmt.Errorf("rtmp: publish rejected for stream %q", s.streamKey)
}

func (s *Session) sendCommand(name string, transID float64, args ...interface{}) error {
	payload := amf.Encode(amf.String(name))
	payload = append(payload, amf.Encode(amf.Number(transID))...)
	for _, a := range args {
		payload = append(payload, encodeArg(a)...)
	}
	if err := WriteMessage(s.bw, s.outChunkSize, csidInvoke, typeInvoke, 0, 0, payload); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *Session) sendStreamCommand(name string, transID float64, args ...interface{}) error {
	payload := amf.Encode(amf.String(name))
	payload = append(payload, amf.Encode(amf.Number(transID))...)
	for _, a := range args {
		payload = append(payload, encodeArg(a)...)
	}
	if err := WriteMessage(s.bw, s.outChunkSize, csidInvoke, typeInvoke, s.streamID, 0, payload); err != nil {
		return err
	}
	return s.bw.Flush()
}

func encodeArg(a interface{}) []byte {
	switch v := a.(type) {
	case nil:
		return amf.Encode(amf.Null())
	case *amf.Value:
		if v == nil {
			return amf.Encode(amf.Null())
		}
		return amf.Encode(*v)
	case amf.Value:
		return amf.Encode(v)
	default:
		return nil
	}
}

func (s *Session) sendAck() error {
	buf := make([]byte, 4)
	buf[0] = byte(s.bytesIn >> 24)
	buf[1] = byte(s.bytesIn >> 16)
	buf[2] = byte(s.bytesIn >> 8)
	buf[3] = byte(s.bytesIn)
	if err := WriteMessage(s.bw, s.outChunkSize, csidProtocol, typeAcknowledgement, 0, 0, buf); err != nil {
		return err
	}
	return s.bw.Flush()
}

func uint24Big(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// idleDeadline bounds how long Serve waits for handshake bytes before
// giving up on a connection that never speaks RTMP.
const idleDeadline = 10 * time.Second
