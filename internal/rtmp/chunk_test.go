package rtmp

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteMessageThenReadMessageRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB, 0xCD}, 200) // 400 bytes, bigger than one default chunk

	var buf bytes.Buffer
	if err := WriteMessage(&buf, defaultChunkSize, csidVideo, typeVideo, 1, 12345, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewChunkReader(bufio.NewReader(&buf))
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if msg.TypeID != typeVideo {
		t.Fatalf("TypeID = %d, want %d", msg.TypeID, typeVideo)
	}
	if msg.StreamID != 1 {
		t.Fatalf("StreamID = %d, want 1", msg.StreamID)
	}
	if msg.Timestamp != 12345 {
		t.Fatalf("Timestamp = %d, want 12345", msg.Timestamp)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("Payload round trip mismatch: got %d bytes, want %d", len(msg.Payload), len(payload))
	}
}

func TestWriteMessageExtendedTimestampRoundTrips(t *testing.T) {
	payload := []byte("small")
	const bigTimestamp = 0xFFFFFF + 500

	var buf bytes.Buffer
	if err := WriteMessage(&buf, defaultChunkSize, csidAudio, typeAudio, 1, bigTimestamp, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewChunkReader(bufio.NewReader(&buf))
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Timestamp != bigTimestamp {
		t.Fatalf("Timestamp = %d, want %d", msg.Timestamp, bigTimestamp)
	}
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatalf("Payload mismatch")
	}
}

func TestChunkReaderRejectsOversizedTypeID(t *testing.T) {
	var buf bytes.Buffer
	// A hand-built type-0 chunk with an out-of-range type id.
	buf.WriteByte(byte(chunkType0<<6) | 4) // basic header, csid 4
	buf.Write([]byte{0, 0, 0})             // timestamp
	buf.Write([]byte{0, 0, 1})             // length = 1
	buf.WriteByte(0xFF)                    // type id, far past typeMetadata
	buf.Write([]byte{0, 0, 0, 0})          // stream id
	buf.WriteByte(0x00)                    // payload byte

	r := NewChunkReader(bufio.NewReader(&buf))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected an error for an out-of-range message type id")
	}
}

func TestSetChunkSizeAffectsSubsequentReads(t *testing.T) {
	r := NewChunkReader(bufio.NewReader(bytes.NewReader(nil)))
	if r.chunkSize != defaultChunkSize {
		t.Fatalf("chunkSize = %d, want default %d", r.chunkSize, defaultChunkSize)
	}
	r.SetChunkSize(4096)
	if r.chunkSize != 4096 {
		t.Fatalf("chunkSize = %d, want 4096", r.chunkSize)
	}
}
