package config

import (
	"slices"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{"MURMUR_SERVER", "STUN_SERVERS", "MURMUR_DEVICE", "MURMUR_TONE_HZ", "LISTEN_ADDR", "ALLOWED_ORIGINS"} {
		t.Setenv(env, "")
	}

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != DefaultServer || cfg.Domain != "localhost:8080" {
		t.Errorf("unexpected server %q domain %q", cfg.ServerURL, cfg.Domain)
	}
	if !slices.Equal(cfg.STUNServers, []string{DefaultSTUN}) {
		t.Errorf("expected default STUN, got %v", cfg.STUNServers)
	}
	if cfg.Device != DeviceTone || cfg.ToneHz != DefaultToneHz {
		t.Errorf("unexpected device %q at %.1f Hz", cfg.Device, cfg.ToneHz)
	}
	if cfg.ListenAddr != ":8080" || cfg.AllowedOrigins != nil {
		t.Errorf("unexpected relay settings %q %v", cfg.ListenAddr, cfg.AllowedOrigins)
	}
}

func TestLoadPriority(t *testing.T) {
	t.Setenv("MURMUR_SERVER", "wss://env.example.com/ws")
	t.Setenv("STUN_SERVERS", "stun:a:3478, stun:b:3478,")
	t.Setenv("MURMUR_DEVICE", "silence")
	t.Setenv("MURMUR_TONE_HZ", "880")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com")

	cfg, err := Load(Options{Server: "wss://flag.example.com/ws", Device: "none"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domain != "flag.example.com" {
		t.Errorf("flag should win over env, got %q", cfg.Domain)
	}
	if cfg.Device != DeviceNone {
		t.Errorf("expected device none, got %q", cfg.Device)
	}
	if want := []string{"stun:a:3478", "stun:b:3478"}; !slices.Equal(cfg.STUNServers, want) {
		t.Errorf("expected %v, got %v", want, cfg.STUNServers)
	}
	if cfg.ToneHz != 880 {
		t.Errorf("expected 880 Hz from env, got %.1f", cfg.ToneHz)
	}
	if !slices.Equal(cfg.AllowedOrigins, []string{"https://a.example.com"}) {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Setenv("MURMUR_SERVER", "")
	t.Setenv("MURMUR_DEVICE", "")
	t.Setenv("MURMUR_TONE_HZ", "")
	tests := []struct {
		name string
		opts Options
	}{
		{"http scheme", Options{Server: "http://example.com/ws"}},
		{"unknown device", Options{Device: "mic"}},
		{"tone out of range", Options{ToneHz: 30000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRoomLinkRoundTrip(t *testing.T) {
	t.Setenv("MURMUR_SERVER", "")
	cfg, err := Load(Options{Server: "wss://murmur.example.com/ws"})
	if err != nil {
		t.Fatal(err)
	}
	link := cfg.RoomLink("abc-123")
	if link != "https://murmur.example.com/voice-chat/abc-123" {
		t.Errorf("unexpected link %q", link)
	}
	id, err := ParseRoom(link)
	if err != nil || id != "abc-123" {
		t.Errorf("expected abc-123, got %q (%v)", id, err)
	}
}

func TestParseRoom(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"room-1", "room-1", false},
		{"  room-1\n", "room-1", false},
		{"http://localhost:8080/voice-chat/r2/", "r2", false},
		{"https://example.com/other/r2", "", true},
		{"", "", true},
		{"a/b", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRoom(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRoom(%q): unexpected error state %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRoom(%q): expected %q, got %q", tt.input, tt.want, got)
		}
	}
}
