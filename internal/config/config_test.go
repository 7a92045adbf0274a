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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/var/run/tpm-attestd/attestd.sock", cfg.Server.SocketPath)
	assert.Equal(t, os.FileMode(0660), cfg.Server.SocketMode)
	assert.Equal(t, Duration(10*time.Second), cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/dev/tpmrm0", cfg.TPM.Device)
	assert.Equal(t, uint32(0x81010001), cfg.TPM.EKHandle)
	assert.Equal(t, uint32(0x01C00002), cfg.TPM.EKCertIndex)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.SocketPath, cfg.Server.SocketPath)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  socket_path: /tmp/test-attestd.sock
  shutdown_timeout: 5s
tpm:
  device: /dev/tpm0
  ek_handle: 0x81010002
  ek_cert_index: 0x01C00002
logging:
  level: debug
  format: json
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-attestd.sock", cfg.Server.SocketPath)
	assert.Equal(t, Duration(5*time.Second), cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/dev/tpm0", cfg.TPM.Device)
	assert.Equal(t, uint32(0x81010002), cfg.TPM.EKHandle)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ATTESTD_SOCKET_PATH", "/tmp/env-attestd.sock")
	t.Setenv("ATTESTD_LOG_LEVEL", "debug")
	t.Setenv("TPM_DEVICE_PATH", "/dev/tpm0")
	t.Setenv("ATTESTD_TPM_SIMULATOR", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env-attestd.sock", cfg.Server.SocketPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/dev/tpm0", cfg.TPM.Device)
	assert.True(t, cfg.TPM.UseSimulator)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name: "empty socket path",
			mutate: func(cfg *Config) {
				cfg.Server.SocketPath = ""
			},
			wantErr: true,
		},
		{
			name: "negative shutdown timeout",
			mutate: func(cfg *Config) {
				cfg.Server.ShutdownTimeout = Duration(-time.Second)
			},
			wantErr: true,
		},
		{
			name: "bad log level",
			mutate: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "bad log format",
			mutate: func(cfg *Config) {
				cfg.Logging.Format = "xml"
			},
			wantErr: true,
		},
		{
			name: "missing tpm section",
			mutate: func(cfg *Config) {
				cfg.TPM = nil
			},
			wantErr: true,
		},
		{
			name: "ek handle outside persistent range",
			mutate: func(cfg *Config) {
				cfg.TPM.EKHandle = 0x01000001
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
