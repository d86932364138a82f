package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	server *server.Server
	url    string
}

// EmbeddedOption configures an embedded server.
type EmbeddedOption func(*server.Options)

// WithStoreDir sets the JetStream storage directory. Tests should pass
// t.TempDir() so runs do not share state.
func WithStoreDir(dir string) EmbeddedOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// WithPort sets the listen port. The default picks a random free port.
func WithPort(port int) EmbeddedOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithUserPassword requires clients to authenticate with user and password.
func WithUserPassword(user, password string) EmbeddedOption {
	return func(o *server.Options) {
		o.Username = user
		o.Password = password
	}
}

// WithToken requires clients to authenticate with token.
func WithToken(token string) EmbeddedOption {
	return func(o *server.Options) {
		o.Authorization = token
	}
}

// StartEmbeddedServer starts an embedded NATS server and waits until it
// accepts connections.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		NoSigs:    true,
		NoLog:     true,
	}
	for _, opt := range opts {
		opt(options)
	}

	s, err := server.NewServer(options)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Running reports whether the server still accepts connections.
func (e *EmbeddedServer) Running() bool {
	return e.server != nil && e.server.Running()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}

// TestConfig returns a bus config with small limits and fast redelivery,
// pointed at serverURL.
func TestConfig(serverURL string) Config {
	cfg := DefaultConfig()
	cfg.URL = serverURL
	cfg.StreamName = "TEST_EVENTS"
	cfg.MaxAge = time.Minute
	cfg.MaxBytes = 10 * 1024 * 1024
	cfg.NakDelay = 10 * time.Millisecond
	cfg.FetchWait = 100 * time.Millisecond
	return cfg
}

// ConnectToEmbedded opens a plain client connection to the server.
func ConnectToEmbedded(srv *EmbeddedServer) (*nats.Conn, error) {
	return nats.Connect(srv.URL())
}
