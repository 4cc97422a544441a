// Package state holds the domain types shared across the ingest/fan-out
// pipeline (encoder settings, relay targets, ports, readiness). It defines
// no process-wide record of the running components; each component keeps
// its own state, and cmd/ingestd wires them together.
package state

import "time"

// PortInfo is the pair of TCP ports this node binds. It is resolved once
// at startup, persisted via store.PortStore, and reused unchanged on
// every subsequent run unless the operator overrides a port explicitly
// in configuration.
type PortInfo struct {
	RTMPPort int `json:"rtmp_port"`
	FilePort int `json:"file_port"`
}

// RelayTarget is one downstream RTMP endpoint this node can republish the
// encoder's output to.
type RelayTarget struct {
	ID        int64     `json:"id"`
	Tag       string    `json:"tag"`
	URL       string    `json:"url"`
	StreamKey string    `json:"stream_key"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// EncoderSettings configures the transcoder child's argv.
type EncoderSettings struct {
	VideoCodec       string `json:"video_codec"`
	AudioCodec       string `json:"audio_codec"`
	VideoBitrateKbps int    `json:"video_bitrate_kbps"`
	AudioBitrateKbps int    `json:"audio_bitrate_kbps"`
	BufsizeKbps      int    `json:"bufsize_kbps,omitempty"`
	Preset           string `json:"preset"`
	Tune             string `json:"tune,omitempty"`
	Framerate        int    `json:"framerate,omitempty"`
	Resolution       string `json:"resolution,omitempty"`
	UsePassthrough   bool   `json:"use_passthrough"`
}

// DefaultEncoderSettings is returned by the store when no settings row has
// been persisted yet.
func DefaultEncoderSettings() EncoderSettings {
	return EncoderSettings{
		VideoCodec:       "libx264",
		AudioCodec:       "aac",
		VideoBitrateKbps: 2500,
		AudioBitrateKbps: 160,
		Preset:           "veryfast",
		UsePassthrough:   false,
	}
}

// Readiness tracks the two boot-readiness flags and the single-publisher
// admission flag that UI queries (and the Control API) read.
type Readiness struct {
	RTMPReady bool `json:"rtmp_ready"`
	FileReady bool `json:"file_ready"`
	RTMPActive bool `json:"rtmp_active"`
}
