// driftserv is the signaling server: it hosts the rendezvous rooms
// peers use to exchange WebRTC session descriptions before a transfer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftbyte/driftbyte/internal/config"
	"github.com/driftbyte/driftbyte/internal/logging"
	signalhub "github.com/driftbyte/driftbyte/internal/signal"
)

const serverVersion = "v0.1.0"

func main() {
	if hasFlag(os.Args[1:], "-h", "--help") {
		printUsage()
		return
	}
	if hasFlag(os.Args[1:], "-v", "--version") {
		fmt.Println(serverVersion)
		return
	}

	cfg := config.ParseServerConfig()
	logger := logging.New("driftserv", cfg.LogLevel)

	hub := signalhub.NewHub(logger)
	router := mux.NewRouter()
	hub.Routes(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	logger.Info("signaling server listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve failed", "err", err)
		os.Exit(1)
	}
	logger.Info("signaling server stopped")
}

func hasFlag(args []string, names ...string) bool {
	for _, a := range args {
		for _, n := range names {
			if a == n {
				return true
			}
		}
	}
	return false
}

func printUsage() {
	fmt.Println(`driftserv - driftbyte signaling server

Usage:
  driftserv [flags]

Flags:
  -addr string        listen address (default ":8080", env DRIFTBYTE_ADDR)
  -log-level string   debug, info, warn, error (default "info", env DRIFTBYTE_LOG_LEVEL)
  -v, --version       print version
  -h, --help          print this help

Endpoints:
  /health             health check
  /ws, /ws/{room}     WebSocket signaling`)
}
