package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Default configuration values
const (
	DefaultServer = "ws://localhost:8080/ws"
	DefaultSTUN   = "stun:stun.l.google.com:19302"
	DefaultDevice = DeviceTone
	DefaultToneHz = 440.0
	DefaultListen = ":8080"

	roomPath = "/voice-chat/"
)

// Audio sources understood by the join command
const (
	DeviceTone    = "tone"
	DeviceSilence = "silence"
	DeviceNone    = "none"
)

// Config holds application configuration
type Config struct {
	// ServerURL is the relay websocket endpoint
	ServerURL string

	// Domain is the relay host, used for shareable room links
	Domain string

	// ICE servers for WebRTC
	STUNServers []string

	// Local audio source
	Device string
	ToneHz float64

	// Relay server settings
	ListenAddr     string
	AllowedOrigins []string
}

// Options for loading config with CLI flag overrides
type Options struct {
	Server         string
	STUNServers    string
	Device         string
	ToneHz         float64
	Listen         string
	AllowedOrigins string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	server := pick(opts.Server, "MURMUR_SERVER", DefaultServer)
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", server, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url must use ws or wss, got %q", server)
	}

	device := strings.ToLower(pick(opts.Device, "MURMUR_DEVICE", DefaultDevice))
	switch device {
	case DeviceTone, DeviceSilence, DeviceNone:
	default:
		return nil, fmt.Errorf("unknown audio device %q (want tone, silence or none)", device)
	}

	toneHz := opts.ToneHz
	if toneHz == 0 {
		if v := os.Getenv("MURMUR_TONE_HZ"); v != "" {
			if toneHz, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("invalid MURMUR_TONE_HZ %q: %w", v, err)
			}
		}
	}
	if toneHz == 0 {
		toneHz = DefaultToneHz
	}
	if toneHz < 0 || toneHz > 20000 {
		return nil, fmt.Errorf("tone frequency %.1f Hz out of range", toneHz)
	}

	return &Config{
		ServerURL:      server,
		Domain:         u.Host,
		STUNServers:    splitList(pick(opts.STUNServers, "STUN_SERVERS", DefaultSTUN)),
		Device:         device,
		ToneHz:         toneHz,
		ListenAddr:     pick(opts.Listen, "LISTEN_ADDR", DefaultListen),
		AllowedOrigins: splitList(pick(opts.AllowedOrigins, "ALLOWED_ORIGINS", "")),
	}, nil
}

// RoomLink returns the shareable link for a room ID
func (c *Config) RoomLink(roomID string) string {
	scheme := "https"
	if strings.HasPrefix(c.ServerURL, "ws://") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s%s", scheme, c.Domain, roomPath, roomID)
}

// ParseRoom accepts either a bare room ID or a room link and returns the ID.
func ParseRoom(input string) (string, error) {
	input = strings.TrimSpace(input)
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", fmt.Errorf("invalid room link %q: %w", input, err)
		}
		id, ok := strings.CutPrefix(u.Path, roomPath)
		if !ok {
			return "", fmt.Errorf("room link %q has no %s path", input, roomPath)
		}
		input = strings.TrimSuffix(id, "/")
	}
	if input == "" || strings.ContainsAny(input, "/ ") {
		return "", fmt.Errorf("invalid room id %q", input)
	}
	return input, nil
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
