// Package natsserver runs the practice bus in-process so a single tutor
// node needs no external broker.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-tutor/internal/config"
)

const readyTimeout = 5 * time.Second

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil without error when the bus is not embedded. The server
// listens on loopback only; a port of -1 picks a free one. JetStream is
// enabled when a store directory is configured.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	ns, err := server.NewServer(&server.Options{
		ServerName: "loqa-tutor",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready in time")
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Bool("jetstream", cfg.StoreDir != ""))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
