package rtmp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Message is one fully reassembled RTMP message: the concatenation of all
// chunks belonging to one (chunk stream id, message) pair.
type Message struct {
	ChunkStreamID uint32
	TypeID        uint32
	StreamID      uint32
	Timestamp     uint32
	Payload       []byte
}

// chunkAssembly tracks the in-progress reassembly of one message on one
// chunk stream id, across however many chunks it takes at the current
// inbound chunk size.
type chunkAssembly struct {
	fmtID     uint32
	csid      uint32
	timestamp uint32
	delta     uint32
	typeID    uint32
	streamID  uint32
	length    uint32

	payload []byte
	read    uint32
}

// ChunkReader dechunks an inbound RTMP byte stream into complete Messages,
// tracking per-chunk-stream header state exactly as the chunk protocol
// requires (type 1/2/3 chunks inherit fields from the last type 0/1/2
// chunk seen on that chunk stream id).
type ChunkReader struct {
	r         *bufio.Reader
	chunkSize uint32
	streams   map[uint32]*chunkAssembly
}

// NewChunkReader wraps r for dechunking, with the default 128-byte inbound
// chunk size (the protocol-defined starting size before any
// Set Chunk Size message is received).
func NewChunkReader(r *bufio.Reader) *ChunkReader {
	return &ChunkReader{
		r:         r,
		chunkSize: defaultChunkSize,
		streams:   make(map[uint32]*chunkAssembly),
	}
}

// SetChunkSize updates the size this reader expects inbound chunk payloads
// to be split into, in response to a Set Chunk Size protocol message.
func (c *ChunkReader) SetChunkSize(size uint32) {
	c.chunkSize = size
}

// ReadMessage blocks until one complete message has been reassembled from
// one or more chunks, or returns the first I/O error encountered.
func (c *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, done, err := c.readOneChunk()
		if err != nil {
			return nil, err
		}
		if done {
			return msg, nil
		}
	}
}

func (c *ChunkReader) readOneChunk() (*Message, bool, error) {
	head, err := c.r.ReadByte()
	if err != nil {
		return nil, false, err
	}

	fmtID := uint32(head>>6) & 0x03
	csid := uint32(head) & 0x3F

	switch csid {
	case 0:
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, false, err
		}
		csid = uint32(b) + 64
	case 1:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, false, err
		}
		csid = uint32(buf[1])*256 + uint32(buf[0]) + 64
	}

	a, ok := c.streams[csid]
	if !ok {
		a = &chunkAssembly{csid: csid}
		c.streams[csid] = a
	}
	a.fmtID = fmtID

	headerLen := chunkMessageHeaderSize[fmtID]
	var header [11]byte
	if headerLen > 0 {
		if _, err := io.ReadFull(c.r, header[:headerLen]); err != nil {
			return nil, false, err
		}
	}

	switch fmtID {
	case chunkType0:
		a.timestamp = uint24(header[0:3])
		a.length = uint24(header[3:6])
		a.typeID = uint32(header[6])
		a.streamID = binary.LittleEndian.Uint32(header[7:11])
		a.delta = 0
	case chunkType1:
		a.delta = uint24(header[0:3])
		a.length = uint24(header[3:6])
		a.typeID = uint32(header[6])
		a.timestamp += a.delta
	case chunkType2:
		a.delta = uint24(header[0:3])
		a.timestamp += a.delta
	case chunkType3:
		// Inherits everything from the previous chunk on this csid. A type 3
		// chunk that starts a new message (a.payload == nil) rolls the
		// timestamp forward by the inherited delta; a continuation of the
		// message in progress leaves it unchanged.
		if a.payload == nil {
			a.timestamp += a.delta
		}
	}

	continuation := fmtID == chunkType3 && a.payload != nil
	extendedTimestamp := a.timestamp >= 0xFFFFFF || (fmtID != chunkType0 && a.delta >= 0xFFFFFF)
	if extendedTimestamp {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, false, err
		}
		ext := binary.BigEndian.Uint32(buf)
		switch {
		case continuation:
			// Repeats the extended timestamp of the message's first chunk.
		case fmtID == chunkType0:
			a.timestamp = ext
		default:
			a.timestamp = a.timestamp - a.delta + ext
		}
	}

	if a.typeID > typeMetadata {
		return nil, false, fmt.Errorf("rtmp: chunk stream %d: invalid message type id %d", csid, a.typeID)
	}

	if a.payload == nil {
		a.payload = make([]byte, a.length)
		a.read = 0
	}

	remaining := a.length - a.read
	toRead := remaining
	if toRead > c.chunkSize {
		toRead = c.chunkSize
	}

	if toRead > 0 {
		if _, err := io.ReadFull(c.r, a.payload[a.read:a.read+toRead]); err != nil {
			return nil, false, err
		}
		a.read += toRead
	}

	if a.read < a.length {
		return nil, false, nil
	}

	msg := &Message{
		ChunkStreamID: csid,
		TypeID:        a.typeID,
		StreamID:      a.streamID,
		Timestamp:     a.timestamp,
		Payload:       a.payload,
	}
	a.payload = nil
	a.read = 0
	return msg, true, nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// WriteMessage chunks payload into one or more RTMP chunks at chunkSize
// and writes them to w on chunk stream id csid, using chunk type 0 for the
// first chunk of the message and chunk type 3 for every continuation, per
// the protocol's rule that continuations never repeat the message header.
func WriteMessage(w io.Writer, chunkSize int, csid uint32, typeID uint32, streamID uint32, timestamp uint32, payload []byte) error {
	var out []byte

	extended := timestamp >= 0xFFFFFF

	out = append(out, basicHeader(chunkType0, csid)...)
	tsField := timestamp
	if extended {
		tsField = 0xFFFFFF
	}
	out = append(out, byte(tsField>>16), byte(tsField>>8), byte(tsField))
	length := uint32(len(payload))
	out = append(out, byte(length>>16), byte(length>>8), byte(length))
	out = append(out, byte(typeID))
	sid := make([]byte, 4)
	binary.LittleEndian.PutUint32(sid, streamID)
	out = append(out, sid...)
	if extended {
		ext := make([]byte, 4)
		binary.BigEndian.PutUint32(ext, timestamp)
		out = append(out, ext...)
	}

	remaining := payload
	first := true
	for len(remaining) > 0 || first {
		if !first {
			out = append(out, basicHeader(chunkType3, csid)...)
			if extended {
				ext := make([]byte, 4)
				binary.BigEndian.PutUint32(ext, timestamp)
				out = append(out, ext...)
			}
		}
		first = false

		n := len(remaining)
		if n > chunkSize {
			n = chunkSize
		}
		out = append(out, remaining[:n]...)
		remaining = remaining[n:]
		if len(remaining) == 0 {
			break
		}
	}

	_, err := w.Write(out)
	return err
}

func basicHeader(fmtID uint32, csid uint32) []byte {
	switch {
	case csid < 64:
		return []byte{byte(fmtID<<6) | byte(csid)}
	case csid < 320:
		return []byte{byte(fmtID << 6), byte(csid - 64)}
	default:
		b := csid - 64
		return []byte{byte(fmtID<<6) | 1, byte(b % 256), byte(b / 256)}
	}
}
