package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server for standalone
// deployments and tests, so the launcher needs no external broker.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbeddedServer starts an in-process NATS server on the given
// port. Port -1 picks a random free port.
func StartEmbeddedServer(port int) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server failed to start")
	}

	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the URL clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
