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

// Package server composes the daemon: configuration, logging, the TPM
// connection and the IPC socket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeremyhahn/tpm-attestd/internal/config"
	"github.com/jeremyhahn/tpm-attestd/internal/ipc"
	"github.com/jeremyhahn/tpm-attestd/pkg/attestation"
	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
	"github.com/jeremyhahn/tpm-attestd/pkg/tpm2"
)

// Server is the assembled daemon
type Server struct {
	config    *config.Config
	logger    *logging.Logger
	tpm       *tpm2.TPM2
	ipcServer *ipc.Server
}

// New builds the daemon from the given configuration. The TPM
// connection is established here; a TPM that can not be opened or does
// not answer the startup probe fails construction so the process exits
// instead of serving requests it can not honor.
func New(cfg *config.Config) (*Server, error) {

	logger := logging.NewLoggerWithOptions(
		cfg.Logging.Level, cfg.Logging.Format)

	tpm, err := tpm2.NewTPM2(&tpm2.Params{
		Config: cfg.TPM,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to TPM: %w", err)
	}

	service := attestation.NewService(tpm, logger)

	ipcServer, err := ipc.NewServer(&ipc.Config{
		SocketPath: cfg.Server.SocketPath,
		SocketMode: cfg.Server.SocketMode,
		Service:    service,
		Logger:     logger,
	})
	if err != nil {
		_ = tpm.Close()
		return nil, err
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		tpm:       tpm,
		ipcServer: ipcServer,
	}, nil
}

// Run serves IPC requests until the context is canceled, then shuts
// down gracefully: the listener closes, in-flight sessions drain within
// the configured timeout and the TPM connection is released.
func (s *Server) Run(ctx context.Context) error {

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ipcServer.Start()
	}()

	s.logger.Info("server: ready", "socket", s.config.Server.SocketPath)

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("server: shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			s.logger.Error(serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), time.Duration(s.config.Server.ShutdownTimeout))
	defer cancel()

	if err := s.ipcServer.Stop(shutdownCtx); err != nil {
		s.logger.Error(err)
	}
	if err := s.tpm.Close(); err != nil {
		s.logger.Error(err)
	}

	s.logger.Info("server: stopped")
	return serveErr
}

// Logger returns the daemon logger
func (s *Server) Logger() *logging.Logger {
	return s.logger
}

// SetupSignalHandler sets up signal handling for graceful shutdown
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	return ctx
}
