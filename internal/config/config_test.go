package config

import (
	"flag"
	"os"
	"testing"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{})

	if cfg.Addr != ":8080" {
		t.Errorf("expected Addr to be :8080, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-addr", ":9090", "-log-level", "debug"})

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel to be debug, got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_EnvFallback(t *testing.T) {
	os.Clearenv()

	os.Setenv("DRIFTBYTE_ADDR", ":7070")
	os.Setenv("DRIFTBYTE_LOG_LEVEL", "warn")
	defer os.Unsetenv("DRIFTBYTE_ADDR")
	defer os.Unsetenv("DRIFTBYTE_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{})

	if cfg.Addr != ":7070" {
		t.Errorf("expected Addr to be :7070, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn, got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	os.Setenv("DRIFTBYTE_ADDR", ":7070")
	os.Setenv("DRIFTBYTE_LOG_LEVEL", "warn")
	defer os.Unsetenv("DRIFTBYTE_ADDR")
	defer os.Unsetenv("DRIFTBYTE_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-addr", ":9090", "-log-level", "error"})

	// Flags should override env
	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error (from flag), got %s", cfg.LogLevel)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{})

	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("expected ServerURL to be http://localhost:8080, got %s", cfg.ServerURL)
	}
	if cfg.Room != "default" {
		t.Errorf("expected Room to be default, got %s", cfg.Room)
	}
	if cfg.Transport != "webrtc" {
		t.Errorf("expected Transport to be webrtc, got %s", cfg.Transport)
	}
	if len(cfg.PeerID) != 10 {
		t.Errorf("expected generated PeerID of 10 hex chars, got %q", cfg.PeerID)
	}
	if cfg.ChunkSize != 0 {
		t.Errorf("expected adaptive chunk size (0), got %d", cfg.ChunkSize)
	}
	if len(cfg.Files) != 0 {
		t.Errorf("expected no files by default, got %v", cfg.Files)
	}
}

func TestParseClientConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{
		"-server-url", "http://example.com:9000",
		"-room", "alpha",
		"-transport", "quic",
		"-chunk-size", "8192",
		"-file", "a.bin",
		"-file", "b.bin",
	})

	if cfg.ServerURL != "http://example.com:9000" {
		t.Errorf("ServerURL = %s", cfg.ServerURL)
	}
	if cfg.Room != "alpha" {
		t.Errorf("Room = %s", cfg.Room)
	}
	if cfg.Transport != "quic" {
		t.Errorf("Transport = %s", cfg.Transport)
	}
	if cfg.ChunkSize != 8192 {
		t.Errorf("ChunkSize = %d", cfg.ChunkSize)
	}
	if len(cfg.Files) != 2 || cfg.Files[0] != "a.bin" || cfg.Files[1] != "b.bin" {
		t.Errorf("Files = %v", cfg.Files)
	}
}

func TestParseClientConfig_EnvFallback(t *testing.T) {
	os.Clearenv()

	os.Setenv("DRIFTBYTE_SERVER_URL", "http://env.example:8081")
	os.Setenv("DRIFTBYTE_ROOM", "env-room")
	os.Setenv("DRIFTBYTE_PEER_ID", "cafebabe00")
	defer os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{})

	if cfg.ServerURL != "http://env.example:8081" {
		t.Errorf("ServerURL = %s", cfg.ServerURL)
	}
	if cfg.Room != "env-room" {
		t.Errorf("Room = %s", cfg.Room)
	}
	if cfg.PeerID != "cafebabe00" {
		t.Errorf("PeerID = %s", cfg.PeerID)
	}
}

func TestParseClientConfig_NegativeChunkSizeClamped(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{"-chunk-size", "-5"})

	if cfg.ChunkSize != 0 {
		t.Errorf("expected negative chunk size clamped to 0, got %d", cfg.ChunkSize)
	}
}

func TestGeneratePeerID(t *testing.T) {
	a := generatePeerID()
	b := generatePeerID()
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("peer IDs must be 10 hex chars, got %q %q", a, b)
	}
	if a == b {
		t.Fatal("consecutive peer IDs collided")
	}
}
