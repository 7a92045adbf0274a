// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of tpm-attestd.
//
// tpm-attestd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ipc provides the Unix domain socket server speaking the
// newline-delimited JSON attestation protocol.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/tpm-attestd/pkg/attestation"
	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
)

// DefaultSocketPath is the default path for the Unix socket
const DefaultSocketPath = "/var/run/tpm-attestd/attestd.sock"

// maxLineBytes bounds a single request line. Challenge payloads are
// small; anything larger is a misbehaving client.
const maxLineBytes = 64 * 1024

// Config holds the IPC server configuration
type Config struct {
	// SocketPath is the path to the Unix socket file
	SocketPath string

	// SocketMode is the file mode for the socket (default: 0660)
	SocketMode os.FileMode

	// Service executes the attestation commands
	Service *attestation.Service

	// Logger is the structured logger
	Logger *logging.Logger
}

// Server accepts local client connections and serves attestation
// commands. Each connection is handled on its own goroutine; command
// serialization against the TPM happens below in the TPM layer, so a
// slow hardware operation on one session never corrupts another.
type Server struct {
	config   *Config
	service  *attestation.Service
	logger   *logging.Logger
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a new IPC server
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ipc: config is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("ipc: service is required")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0660
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	return &Server{
		config:  cfg,
		service: cfg.Service,
		logger:  cfg.Logger,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Start creates the Unix socket and serves until Stop is called
func (s *Server) Start() error {

	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0750); err != nil {
		return fmt.Errorf("ipc: failed to create socket directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("ipc: failed to create Unix socket listener: %w", err)
	}

	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		_ = listener.Close()
		return fmt.Errorf("ipc: failed to set socket permissions: %w", err)
	}

	s.logger.Info("ipc: Unix socket created", "path", s.config.SocketPath)

	return s.Serve(listener)
}

// Serve runs the accept loop on the given listener. Exposed separately
// from Start so tests can drive the server over an ephemeral listener.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc: accept failed: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight sessions to drain and
// removes the socket file. Sessions still open when the context expires
// are closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("ipc: stopping server")

	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("ipc: shutdown deadline reached, closing connections")
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	if err := os.Remove(s.config.SocketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("ipc: failed to remove socket file: %v", err)
	}

	s.logger.Info("ipc: server stopped")
	return nil
}

// SocketPath returns the path to the Unix socket
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// handleConnection serves one client session until EOF or a write
// failure. Request payloads carry secret material, so log lines record
// the session, command and timing but never request or response bodies.
func (s *Server) handleConnection(conn net.Conn) {
	sessionID := uuid.New().String()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Debug("ipc: session closed", "session", sessionID)
	}()

	s.logger.Debug("ipc: session opened", "session", sessionID)

	s.serveSession(conn, sessionID)
}

var now = time.Now
