package flv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHeaderIsExactConstant(t *testing.T) {
	want := []byte{0x46, 0x4C, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	got := Header()
	if len(got) != len(want) {
		t.Fatalf("header length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestTagLayout(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	ts := uint32(0x01020304)

	out := Tag(TagVideo, ts, payload)

	if len(out) != 15+len(payload) {
		t.Fatalf("tag length = %d, want %d", len(out), 15+len(payload))
	}

	dataSize := uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
	if dataSize != uint32(len(payload)) {
		t.Fatalf("DataSize = %d, want %d", dataSize, len(payload))
	}

	gotTs := uint32(out[4])<<16 | uint32(out[5])<<8 | uint32(out[6]) | uint32(out[7])<<24
	if gotTs != ts {
		t.Fatalf("round-tripped timestamp = %#x, want %#x", gotTs, ts)
	}

	prevTagSize := binary.BigEndian.Uint32(out[len(out)-4:])
	if prevTagSize != 11+uint32(len(payload)) {
		t.Fatalf("PreviousTagSize = %d, want %d", prevTagSize, 11+len(payload))
	}
}

func TestTagTimestampRoundTripAllBits(t *testing.T) {
	for _, ts := range []uint32{0, 1, 0xFFFFFF, 0x1000000, 0xFFFFFFFF, 0x80000000} {
		out := Tag(TagAudio, ts, nil)
		gotTs := uint32(out[4])<<16 | uint32(out[5])<<8 | uint32(out[6]) | uint32(out[7])<<24
		if gotTs != ts {
			t.Fatalf("ts=%#x round-tripped as %#x", ts, gotTs)
		}
	}
}

func TestIsVideoKeyframeAVCSequenceHeader(t *testing.T) {
	tag := Tag(TagVideo, 0, []byte{0x17, 0x00, 0x00, 0x00, 0x00})
	if !IsVideoKeyframeAVCSequenceHeader(tag) {
		t.Fatal("expected AVC sequence header to be recognized")
	}

	notHeader := Tag(TagVideo, 0, []byte{0x17, 0x01, 0x00, 0x00, 0x00})
	if IsVideoKeyframeAVCSequenceHeader(notHeader) {
		t.Fatal("AVCPacketType=1 must not be recognized as a sequence header")
	}

	interFrame := Tag(TagVideo, 0, []byte{0x27, 0x01, 0x00, 0x00, 0x00})
	if IsVideoKeyframeAVCSequenceHeader(interFrame) {
		t.Fatal("inter frame must not be recognized as a sequence header")
	}

	if IsVideoKeyframeAVCSequenceHeader([]byte{0x09, 0x17}) {
		t.Fatal("short input must return false, not panic")
	}
}

func TestIsAudioAACSequenceHeader(t *testing.T) {
	tag := Tag(TagAudio, 0, []byte{0xAF, 0x00, 0x12, 0x10})
	if !IsAudioAACSequenceHeader(tag) {
		t.Fatal("expected AAC sequence header to be recognized")
	}

	raw := Tag(TagAudio, 0, []byte{0xAF, 0x01, 0x00, 0x00})
	if IsAudioAACSequenceHeader(raw) {
		t.Fatal("AACPacketType=1 (raw) must not be recognized as a sequence header")
	}

	if IsAudioAACSequenceHeader(nil) {
		t.Fatal("nil input must return false, not panic")
	}
}

func TestMetadataTagCarriesOnlyPresentKeys(t *testing.T) {
	meta := Metadata{Width: 1280, HasWidth: true, Encoder: "ingestd", HasEncoder: true}
	tag := MetadataTag(meta)

	if tag[0] != TagScript {
		t.Fatalf("script tag type = %#x, want %#x", tag[0], TagScript)
	}
	// Timestamp of a metadata tag is always 0.
	if ts := uint32(tag[4])<<16 | uint32(tag[5])<<8 | uint32(tag[6]) | uint32(tag[7])<<24; ts != 0 {
		t.Fatalf("metadata tag timestamp = %d, want 0", ts)
	}

	// Payload: AMF0 string "onMetaData" (13 bytes), then an ECMA array
	// marker and its u32 entry count, then the entries.
	payload := tag[11 : len(tag)-4]
	if payload[13] != 0x08 || binary.BigEndian.Uint32(payload[14:18]) != 2 {
		t.Fatalf("ECMA array header = % x, want marker 08 and a count of 2", payload[13:18])
	}
	for _, key := range []string{"width", "encoder"} {
		if !bytes.Contains(payload, []byte(key)) {
			t.Fatalf("metadata payload lacks present key %q", key)
		}
	}
	if bytes.Contains(payload, []byte("height")) {
		t.Fatalf("metadata payload carries absent key %q", "height")
	}
}
