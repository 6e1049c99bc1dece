// Package natsserver runs an in-process NATS broker with JetStream for
// single-device deployments.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	serverName      = "whisperd-embedded"
	defaultHost     = "127.0.0.1"
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second
)

var ErrNotReady = errors.New("natsserver: not ready for connections")

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil unless cfg.Embedded is set. A port of -1 picks a
// free port; read it back with ClientURL.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts := serverOptions(cfg)

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("natsserver: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w after %s", ErrNotReady, readyTimeout)
	}

	log.Info("embedded bus listening",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func serverOptions(cfg config.BusConfig) *server.Options {
	opts := &server.Options{
		ServerName: serverName,
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	}
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.StoreDir == "" {
		opts.StoreDir = defaultStoreDir
	}
	return opts
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown blocks until the broker has stopped. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	e.log.Info("embedded bus stopped")
}
