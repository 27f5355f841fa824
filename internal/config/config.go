package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"strings"
)

// ServerConfig holds configuration for the signaling server binary.
type ServerConfig struct {
	Addr     string
	LogLevel string
}

// ClientConfig holds configuration for the transfer client binary.
type ClientConfig struct {
	ServerURL   string
	LogLevel    string
	PeerID      string
	Room        string
	Transport   string // "webrtc" or "quic"
	Files       []string
	OutputDir   string // receiver artifact directory
	StateDir    string // resumption state directory
	ChunkSize   int    // pinned chunk size in bytes, 0 = adaptive
	MemoryLimit int64  // receiver streaming threshold in bytes
	HighWater   int    // pacing high-water mark in bytes
}

// ParseServerConfig parses server configuration from flags and
// environment variables. Flags take precedence over environment.
// Defaults: addr=":8080", logLevel="info"
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:     ":8080",
		LogLevel: "info",
	}

	// Read from environment first
	if addr := os.Getenv("DRIFTBYTE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("DRIFTBYTE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Flags override environment
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseClientConfig parses client configuration from flags and
// environment variables. Flags take precedence over environment.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
		PeerID:    generatePeerID(),
		Room:      "default",
		Transport: "webrtc",
		OutputDir: "received",
		StateDir:  defaultStateDir(),
	}

	// Read from environment first
	if serverURL := os.Getenv("DRIFTBYTE_SERVER_URL"); serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel := os.Getenv("DRIFTBYTE_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if peerID := os.Getenv("DRIFTBYTE_PEER_ID"); peerID != "" {
		cfg.PeerID = peerID
	}
	if room := os.Getenv("DRIFTBYTE_ROOM"); room != "" {
		cfg.Room = room
	}
	if stateDir := os.Getenv("DRIFTBYTE_STATE_DIR"); stateDir != "" {
		cfg.StateDir = stateDir
	}

	// Flags override environment
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "signaling server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "peer identifier")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "signaling room to rendezvous in")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "channel transport (webrtc, quic)")
	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "directory for received files")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for resumption state")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", 0, "pinned chunk size in bytes (0 = adaptive)")
	fs.Int64Var(&cfg.MemoryLimit, "memory-limit", 0, "receiver in-memory reassembly limit in bytes")
	fs.IntVar(&cfg.HighWater, "high-water", 0, "pacing high-water mark in bytes")

	// Handle repeatable --file flag
	files := make([]string, 0)
	fs.Var((*stringSlice)(&files), "file", "file to send (repeatable)")

	fs.Parse(args)

	cfg.Files = files
	if cfg.ChunkSize < 0 {
		cfg.ChunkSize = 0
	}
	return cfg
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "driftbyte"
	}
	return ".driftbyte"
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
