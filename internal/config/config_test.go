package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FFmpegPath != "ffmpeg" {
		t.Fatalf("FFmpegPath = %q, want %q", cfg.FFmpegPath, "ffmpeg")
	}
	if cfg.MaxConnectionsPerIP != 4 {
		t.Fatalf("MaxConnectionsPerIP = %d, want 4", cfg.MaxConnectionsPerIP)
	}
	if cfg.ControlBindAddress != "127.0.0.1:8899" {
		t.Fatalf("ControlBindAddress = %q, want %q", cfg.ControlBindAddress, "127.0.0.1:8899")
	}
}

func TestLoadEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("INGESTD_FFMPEG_PATH", "/usr/local/bin/ffmpeg")
	t.Setenv("INGESTD_MAX_CONNECTIONS_PER_IP", "10")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FFmpegPath != "/usr/local/bin/ffmpeg" {
		t.Fatalf("FFmpegPath = %q, want env override", cfg.FFmpegPath)
	}
	if cfg.MaxConnectionsPerIP != 10 {
		t.Fatalf("MaxConnectionsPerIP = %d, want 10", cfg.MaxConnectionsPerIP)
	}
}
