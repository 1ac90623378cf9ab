// Package tendermint hosts the registry ABCI application for a Tendermint
// node and talks to that node's RPC endpoint.
//
// dvrd listens on a socket (unix:// or tcp://); Tendermint runs as a
// separate process, either managed by dvrd or started by the operator, and
// connects to it with --proxy_app.
package tendermint

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	abciserver "github.com/tendermint/tendermint/abci/server"
	abci "github.com/tendermint/tendermint/abci/types"
	tmlog "github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

// DefaultSocket is used when no socket address is configured.
const DefaultSocket = "unix://dvr.sock"

// Config holds configuration for the ABCI server and Tendermint connection.
type Config struct {
	// TendermintHome is the directory for Tendermint data and config
	TendermintHome string

	// SocketAddress is the listen address, e.g. "unix://dvr.sock"
	SocketAddress string

	// Logger receives the ABCI server's own logs. Optional.
	Logger *logrus.Logger
}

// ABCIServer wraps an ABCI socket server.
type ABCIServer struct {
	server  service.Service
	abciApp abci.Application
	config  *Config
	socket  string
}

// NewABCIServer creates a socket ABCI server for app. Call Start to begin
// listening.
func NewABCIServer(app abci.Application, config *Config) (*ABCIServer, error) {
	if app == nil {
		return nil, fmt.Errorf("ABCI application cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.SocketAddress == "" {
		config.SocketAddress = DefaultSocket
	}

	server := abciserver.NewSocketServer(config.SocketAddress, app)
	if config.Logger != nil {
		server.SetLogger(NewLogAdapter(config.Logger).With("module", "abci-server"))
	}

	return &ABCIServer{
		server:  server,
		abciApp: app,
		config:  config,
		socket:  config.SocketAddress,
	}, nil
}

// Start begins listening for Tendermint connections. A stale unix socket
// left by a previous run is removed first.
func (s *ABCIServer) Start() error {
	if path, ok := unixSocketPath(s.socket); ok {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start ABCI server: %w", err)
	}
	return nil
}

// Stop shuts down the server and removes the socket file.
func (s *ABCIServer) Stop() error {
	if s.server.IsRunning() {
		if err := s.server.Stop(); err != nil {
			return fmt.Errorf("failed to stop ABCI server: %w", err)
		}
	}

	if path, ok := unixSocketPath(s.socket); ok {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}

	return nil
}

// IsRunning returns true if the ABCI server is currently running.
func (s *ABCIServer) IsRunning() bool {
	return s.server.IsRunning()
}

// SocketPath returns the socket address the server is listening on.
func (s *ABCIServer) SocketPath() string {
	return s.socket
}

func unixSocketPath(addr string) (string, bool) {
	if !strings.HasPrefix(addr, "unix://") {
		return "", false
	}
	return strings.TrimPrefix(addr, "unix://"), true
}

// logAdapter routes Tendermint's key/value logger onto logrus.
type logAdapter struct {
	entry *logrus.Entry
}

// NewLogAdapter wraps l as a Tendermint logger.
func NewLogAdapter(l *logrus.Logger) tmlog.Logger {
	return &logAdapter{entry: logrus.NewEntry(l)}
}

func (a *logAdapter) Debug(msg string, keyvals ...interface{}) {
	a.entry.WithFields(fieldsOf(keyvals)).Debug(msg)
}

func (a *logAdapter) Info(msg string, keyvals ...interface{}) {
	a.entry.WithFields(fieldsOf(keyvals)).Info(msg)
}

func (a *logAdapter) Error(msg string, keyvals ...interface{}) {
	a.entry.WithFields(fieldsOf(keyvals)).Error(msg)
}

func (a *logAdapter) With(keyvals ...interface{}) tmlog.Logger {
	return &logAdapter{entry: a.entry.WithFields(fieldsOf(keyvals))}
}

func fieldsOf(keyvals []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 < len(keyvals) {
			fields[key] = keyvals[i+1]
		} else {
			fields[key] = "(MISSING)"
		}
	}
	return fields
}
