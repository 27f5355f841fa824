// drift sends and receives files over a peer-to-peer message channel.
// Peers rendezvous through a signaling room (WebRTC) or connect
// directly (QUIC); the transfer protocol is identical on both.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/driftbyte/driftbyte/internal/channel"
	"github.com/driftbyte/driftbyte/internal/channel/quicchan"
	"github.com/driftbyte/driftbyte/internal/config"
	"github.com/driftbyte/driftbyte/internal/logging"
	"github.com/driftbyte/driftbyte/internal/pacing"
	"github.com/driftbyte/driftbyte/internal/peerconn"
	"github.com/driftbyte/driftbyte/internal/state"
	"github.com/driftbyte/driftbyte/internal/transfer"
	"github.com/driftbyte/driftbyte/internal/xfererr"
)

const clientVersion = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return
	}
	if args[0] == "-v" || args[0] == "--version" {
		fmt.Println(clientVersion)
		return
	}

	mode := args[0]
	// The subcommand is consumed; config parses the remaining flags.
	os.Args = append(os.Args[:1], args[1:]...)
	cfg := config.ParseClientConfig()
	logger := logging.New("drift", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case "send":
		err = runSend(ctx, cfg, logger)
	case "receive":
		err = runReceive(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", mode)
		printUsage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("command failed", "command", mode, "err", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	if len(cfg.Files) == 0 {
		return errors.New("nothing to send: pass at least one -file")
	}

	states, err := state.Open(cfg.StateDir, logger, state.Options{})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer states.Close()

	ch, err := openChannel(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer ch.Close()
	logger.Info("channel established", "label", ch.Label(), "max_message", ch.MaxMessageSize())

	mgr := transfer.NewManager(transfer.Options{
		Logger:    logger,
		Pacer:     pacing.New(logger, pacing.Options{HighWater: cfg.HighWater}),
		States:    states,
		ChunkSize: cfg.ChunkSize,
	})
	// Attach consumes the peer's acknowledgments.
	mgr.Attach(ctx, ch, cfg.Room)

	for _, path := range cfg.Files {
		var id string
		// Transient failures re-run the whole send; resumption state
		// keeps the retry from re-sending chunks the peer already has.
		err := xfererr.Retry(ctx, func() error {
			var sendErr error
			id, sendErr = mgr.SendFile(ctx, ch, cfg.Room, path)
			return sendErr
		})
		if err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}
		if ack, ok := mgr.AckProgress(id); ok {
			logger.Info("peer acknowledged", "transfer_id", id, "percent", ack.Percent, "status", ack.Status)
		}
	}
	return nil
}

func runReceive(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger) error {
	states, err := state.Open(cfg.StateDir, logger, state.Options{})
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer states.Close()

	if err := os.MkdirAll(cfg.OutputDir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	ch, err := openChannel(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer ch.Close()
	logger.Info("channel established", "label", ch.Label(), "max_message", ch.MaxMessageSize())

	mgr := transfer.NewManager(transfer.Options{
		Logger: logger,
		States: states,
		Selector: transfer.StoreSelector{
			MemoryLimit: cfg.MemoryLimit,
			NewSink:     transfer.FileSinkFactory(cfg.OutputDir),
		},
		OnComplete: func(tr transfer.Transfer, data []byte) {
			path := tr.OutputPath
			if path == "" {
				// In-memory transfers still land in the output dir.
				path = filepath.Join(cfg.OutputDir, filepath.Base(tr.FileName))
				if err := os.WriteFile(path, data, 0o600); err != nil {
					logger.Error("write received file", "file", tr.FileName, "err", err)
					return
				}
			}
			logger.Info("file received", "file", tr.FileName, "bytes", tr.BytesTransferred, "path", path)
		},
	})
	mgr.Attach(ctx, ch, cfg.Room)

	logger.Info("waiting for transfers", "output_dir", cfg.OutputDir)
	<-ctx.Done()
	return ctx.Err()
}

// openChannel establishes the transfer channel for the configured
// transport. The sender dials, the receiver listens.
func openChannel(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, dialer bool) (channel.Channel, error) {
	switch cfg.Transport {
	case "quic":
		// The room flag doubles as host:port for direct QUIC.
		qcfg := quicchan.Config{Label: "driftbyte", Logger: logger}
		if dialer {
			return quicchan.DialAddr(ctx, cfg.Room, qcfg)
		}
		return quicchan.ListenAddr(ctx, cfg.Room, qcfg)
	case "webrtc":
		pcfg := peerconn.Config{
			ServerURL: cfg.ServerURL,
			Room:      cfg.Room,
			Logger:    logger,
		}
		if dialer {
			return peerconn.Dial(ctx, pcfg)
		}
		return peerconn.Listen(ctx, pcfg)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func printUsage() {
	fmt.Println(`drift - peer-to-peer file transfer

Usage:
  drift send -room <room> -file <path> [-file <path> ...] [flags]
  drift receive -room <room> [-output-dir <dir>] [flags]

Flags:
  -server-url string   signaling server (default "http://localhost:8080", env DRIFTBYTE_SERVER_URL)
  -room string         rendezvous room, or host:port for -transport quic (env DRIFTBYTE_ROOM)
  -transport string    webrtc or quic (default "webrtc")
  -file path           file to send, repeatable (send only)
  -output-dir string   where received files land (default "received")
  -state-dir string    resumption state location (env DRIFTBYTE_STATE_DIR)
  -chunk-size int      pin the chunk size in bytes, 0 = adaptive
  -memory-limit int    receiver in-memory reassembly limit in bytes
  -high-water int      pacing high-water mark in bytes
  -log-level string    debug, info, warn, error (default "info")
  -v, --version        print version
  -h, --help           print this help`)
}
