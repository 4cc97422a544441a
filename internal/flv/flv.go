// Package flv builds the byte layouts of the FLV container: the file
// prelude, tag headers, the onMetaData script tag, and the sequence-header
// recognizers the encoder supervisor uses to bootstrap late-joining relays.
//
// Everything here is pure and allocation-light; there is no I/O.
package flv

import (
	"encoding/binary"
	"math"
)

// Tag types, per the FLV spec.
const (
	TagAudio  byte = 0x08
	TagVideo  byte = 0x09
	TagScript byte = 0x12
)

// Header returns the 13-byte FLV file prelude: signature, version, the
// audio+video flag byte, a DataOffset of 9, and a PreviousTagSize0 of zero.
func Header() []byte {
	return []byte{
		'F', 'L', 'V', // signature
		0x01,                   // version
		0x05,                   // flags: audio (bit 2) + video (bit 0)
		0x00, 0x00, 0x00, 0x09, // DataOffset = 9
		0x00, 0x00, 0x00, 0x00, // PreviousTagSize0
	}
}

// Tag builds one FLV tag: an 11-byte tag header, the payload, and a
// trailing 4-byte PreviousTagSize. Output length is always
// 11 + len(payload) + 4.
func Tag(tagType byte, timestampMs uint32, payload []byte) []byte {
	dataSize := uint32(len(payload))
	prevTagSize := 11 + dataSize

	b := make([]byte, 11+dataSize+4)

	b[0] = tagType

	b[1] = byte(dataSize >> 16)
	b[2] = byte(dataSize >> 8)
	b[3] = byte(dataSize)

	b[4] = byte(timestampMs >> 16)
	b[5] = byte(timestampMs >> 8)
	b[6] = byte(timestampMs)
	b[7] = byte(timestampMs >> 24) // extended timestamp byte

	// StreamID is always 0.
	b[8], b[9], b[10] = 0, 0, 0

	copy(b[11:], payload)

	binary.BigEndian.PutUint32(b[11+dataSize:], prevTagSize)

	return b
}

// Metadata is the subset of the onMetaData AMF0 object keys MetadataTag
// serializes. The ingest path does not build metadata tags from the
// inbound RTMP @setDataFrame event; it only logs that event.
type Metadata struct {
	Width           float64
	Height          float64
	FrameRate       float64
	AudioSampleRate float64
	AudioChannels   float64
	VideoDataRate   float64
	Encoder         string

	HasWidth           bool
	HasHeight          bool
	HasFrameRate       bool
	HasAudioSampleRate bool
	HasAudioChannels   bool
	HasVideoDataRate   bool
	HasEncoder         bool
}

// MetadataTag serializes meta as an AMF0 "onMetaData" script-data tag at
// timestamp 0, carrying only the keys present on meta.
func MetadataTag(meta Metadata) []byte {
	var payload []byte
	payload = append(payload, encodeAMF0StringValue("onMetaData")...)

	type kv struct {
		key string
		val amfScalar
	}
	var entries []kv

	if meta.HasWidth {
		entries = append(entries, kv{"width", amfNumber(meta.Width)})
	}
	if meta.HasHeight {
		entries = append(entries, kv{"height", amfNumber(meta.Height)})
	}
	if meta.HasFrameRate {
		entries = append(entries, kv{"framerate", amfNumber(meta.FrameRate)})
	}
	if meta.HasAudioSampleRate {
		entries = append(entries, kv{"audiosamplerate", amfNumber(meta.AudioSampleRate)})
	}
	if meta.HasAudioChannels {
		entries = append(entries, kv{"audiochannels", amfNumber(meta.AudioChannels)})
	}
	if meta.HasVideoDataRate {
		entries = append(entries, kv{"videodatarate", amfNumber(meta.VideoDataRate)})
	}
	if meta.HasEncoder {
		entries = append(entries, kv{"encoder", amfString(meta.Encoder)})
	}

	payload = append(payload, encodeAMF0EcmaArray(len(entries))...)
	for _, e := range entries {
		payload = append(payload, encodeAMF0String(e.key)...)
		payload = append(payload, e.val.encode()...)
	}
	payload = append(payload, 0x00, 0x00, 0x09) // object-end marker

	return Tag(TagScript, 0, payload)
}

// amfScalar is the minimal AMF0 value kind MetadataTag needs to emit.
type amfScalar struct {
	isString bool
	str      string
	num      float64
}

func amfNumber(v float64) amfScalar { return amfScalar{num: v} }
func amfString(v string) amfScalar  { return amfScalar{isString: true, str: v} }

func (s amfScalar) encode() []byte {
	if s.isString {
		return encodeAMF0StringValue(s.str)
	}
	return encodeAMF0NumberValue(s.num)
}

func encodeAMF0NumberValue(v float64) []byte {
	b := make([]byte, 9)
	b[0] = 0x00
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(v))
	return b
}

func encodeAMF0StringValue(s string) []byte {
	b := []byte{0x02}
	return append(b, encodeAMF0String(s)...)
}

// encodeAMF0String writes a bare AMF0 UTF-8 string (u16be length + bytes),
// without the leading type marker — used for object keys.
func encodeAMF0String(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b
}

func encodeAMF0EcmaArray(count int) []byte {
	b := make([]byte, 5)
	b[0] = 0x08
	binary.BigEndian.PutUint32(b[1:], uint32(count))
	return b
}

// IsVideoKeyframeAVCSequenceHeader reports whether buf is a full FLV video
// tag (11-byte header + payload) whose payload is a keyframe carrying an
// AVC sequence header (AVCPacketType == 0).
func IsVideoKeyframeAVCSequenceHeader(buf []byte) bool {
	if len(buf) < 14 {
		return false
	}
	if buf[0] != TagVideo {
		return false
	}
	frameAndCodec := buf[11]
	if frameAndCodec&0xF0 != 0x10 {
		return false
	}
	return buf[12] == 0
}

// IsAudioAACSequenceHeader reports whether buf is a full FLV audio tag
// whose payload is an AAC sequence header (AACPacketType == 0).
func IsAudioAACSequenceHeader(buf []byte) bool {
	if len(buf) < 14 {
		return false
	}
	if buf[0] != TagAudio {
		return false
	}
	soundFormat := buf[11]
	if soundFormat&0xF0 != 0xA0 {
		return false
	}
	return buf[12] == 0
}
