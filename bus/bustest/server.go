// Package bustest runs an embedded JetStream server for tests.
package bustest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer starts a JetStream-enabled server on a random port and returns
// its client URL. The server is shut down when the test ends.
func RunServer(t testing.TB) string {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

// Connect starts a server and returns a connection and JetStream context.
func Connect(t testing.TB) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	nc, err := nats.Connect(RunServer(t))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream()
	require.NoError(t, err)
	return nc, js
}
