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

package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jeremyhahn/tpm-attestd/pkg/attestation"
	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
	"github.com/jeremyhahn/tpm-attestd/pkg/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTPM backs the attestation service during protocol tests
type fakeTPM struct {
	mu       sync.Mutex
	akSerial int
}

func (f *fakeTPM) EK() (*tpm2.EndorsementKey, error) {
	modulus := bytes.Repeat([]byte{0xc3}, 256)
	modulus[0] = 0xd9
	return &tpm2.EndorsementKey{
		Handle:   0x81010001,
		Name:     bytes.Repeat([]byte{0x11}, 34),
		Modulus:  modulus,
		Exponent: 65537,
	}, nil
}

func (f *fakeTPM) EKCertificate() ([]byte, error) {
	return nil, nil
}

func (f *fakeTPM) CreateAK() (*tpm2.AttestationKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.akSerial++
	return &tpm2.AttestationKey{
		Name:   bytes.Repeat([]byte{byte(f.akSerial)}, 34),
		Public: []byte{0x01},
	}, nil
}

func (f *fakeTPM) ActivateCredential(
	credentialBlob, encryptedSecret []byte) ([]byte, error) {
	return []byte("secret"), nil
}

func (f *fakeTPM) MakeCredential(
	akName, secret []byte) ([]byte, []byte, []byte, error) {
	return nil, nil, nil, fmt.Errorf("not implemented")
}

func (f *fakeTPM) Close() error { return nil }

// startTestServer runs a server on a socket under dir and returns a
// dial function plus a stopper
func startTestServer(t *testing.T) (func() net.Conn, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "attestd")
	require.NoError(t, err)
	socketPath := filepath.Join(dir, "attestd.sock")

	logger := logging.NewLogger(false)
	service := attestation.NewService(&fakeTPM{}, logger)

	srv, err := NewServer(&Config{
		SocketPath: socketPath,
		Service:    service,
		Logger:     logger,
	})
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	// Wait for the socket to appear
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	dial := func() net.Conn {
		conn, err := net.Dial("unix", socketPath)
		require.NoError(t, err)
		return conn
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
		require.NoError(t, <-serveErr)
		_ = os.RemoveAll(dir)
	}

	return dial, stop
}

// roundTrip sends one request line and decodes the response line
func roundTrip(t *testing.T, conn net.Conn, reader *bufio.Reader, request string) map[string]any {
	t.Helper()

	_, err := conn.Write([]byte(request + "\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var response map[string]any
	require.NoError(t, json.Unmarshal(line, &response))
	return response
}

func TestGetEKCommand(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	rsp := roundTrip(t, conn, reader, `{"command":"getEK"}`)
	assert.Equal(t, "ok", rsp["status"])
	assert.NotEmpty(t, rsp["ek_public"])
	assert.Equal(t, "", rsp["ek_cert"])
}

func TestGetAttestationDataCommand(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	first := roundTrip(t, conn, reader, `{"command":"getAttestationData"}`)
	second := roundTrip(t, conn, reader, `{"command":"getAttestationData"}`)

	assert.Equal(t, "ok", first["status"])
	assert.NotEmpty(t, first["aik_name"])
	assert.NotEqual(t, first["aik_name"], second["aik_name"])
}

func TestActivateCredentialCommand(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	blob := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 50))
	secret := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x02}, 256))
	request := fmt.Sprintf(
		`{"command":"activateCredential","credential_blob":%q,"encrypted_secret":%q}`,
		blob, secret)

	rsp := roundTrip(t, conn, reader, request)
	assert.Equal(t, "ok", rsp["status"])
	assert.Equal(t,
		base64.StdEncoding.EncodeToString([]byte("secret")),
		rsp["decrypted_secret"])
}

func TestActivateCredentialBadBase64(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	rsp := roundTrip(t, conn, reader,
		`{"command":"activateCredential","credential_blob":"!!!","encrypted_secret":"AQ=="}`)
	assert.Equal(t, "error", rsp["status"])
	assert.NotEmpty(t, rsp["message"])
}

func TestMalformedJSONKeepsSessionOpen(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	// Garbage produces an error envelope, not a dropped connection
	rsp := roundTrip(t, conn, reader, `{not json`)
	assert.Equal(t, "error", rsp["status"])

	// The same session still serves valid requests
	rsp = roundTrip(t, conn, reader, `{"command":"getEK"}`)
	assert.Equal(t, "ok", rsp["status"])
}

func TestUnknownCommand(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	rsp := roundTrip(t, conn, reader, `{"command":"selfDestruct"}`)
	assert.Equal(t, "error", rsp["status"])
	assert.Equal(t, "unknown command", rsp["message"])
}

func TestCRLFFraming(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	conn := dial()
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	_, err := conn.Write([]byte("{\"command\":\"getEK\"}\r\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var rsp map[string]any
	require.NoError(t, json.Unmarshal(line, &rsp))
	assert.Equal(t, "ok", rsp["status"])
}

func TestConcurrentSessions(t *testing.T) {
	dial, stop := startTestServer(t)
	defer stop()

	const sessions = 8
	var wg sync.WaitGroup
	results := make([]string, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := dial()
			defer func() { _ = conn.Close() }()
			reader := bufio.NewReader(conn)

			rsp := roundTrip(t, conn, reader, `{"command":"getEK"}`)
			if status, ok := rsp["status"].(string); ok {
				results[i] = status
			}
			ekPublic, _ := rsp["ek_public"].(string)
			assert.NotEmpty(t, ekPublic)
		}(i)
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		assert.Equal(t, "ok", results[i])
	}
}

func TestStopRemovesSocketFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "attestd")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()
	socketPath := filepath.Join(dir, "attestd.sock")

	logger := logging.NewLogger(false)
	srv, err := NewServer(&Config{
		SocketPath: socketPath,
		Service:    attestation.NewService(&fakeTPM{}, logger),
		Logger:     logger,
	})
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-serveErr)

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)

	_, err = NewServer(&Config{})
	assert.Error(t, err)
}
