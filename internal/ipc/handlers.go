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
	"encoding/json"
	"net"

	"github.com/jeremyhahn/tpm-attestd/pkg/attestation"
)

// Protocol command names
const (
	cmdGetEK              = "getEK"
	cmdGetAttestationData = "getAttestationData"
	cmdActivateCredential = "activateCredential"
)

// request is the union of all command fields. Unknown fields are
// ignored so clients can extend requests without breaking older
// daemons.
type request struct {
	Command         string `json:"command"`
	CredentialBlob  string `json:"credential_blob"`
	EncryptedSecret string `json:"encrypted_secret"`
	HMAC            string `json:"hmac"`
	Enc             string `json:"enc"`
}

// errorResponse is the envelope returned for any failed command
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// serveSession reads newline-delimited JSON requests and writes one
// response line per request. A malformed request produces an error
// envelope and the session stays open; only transport failures end the
// loop.
func (s *Server) serveSession(conn net.Conn, sessionID string) {

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		response := s.dispatch(line, sessionID)

		if _, err := writer.Write(response); err != nil {
			s.logger.Debug("ipc: write failed", "session", sessionID, "error", err)
			return
		}
		if err := writer.WriteByte('\n'); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			s.logger.Debug("ipc: flush failed", "session", sessionID, "error", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("ipc: read failed", "session", sessionID, "error", err)
	}
}

// dispatch parses one request line and routes it to the attestation
// service. Every path returns a complete JSON envelope; errors never
// echo request content back to the client or into the logs.
func (s *Server) dispatch(line []byte, sessionID string) []byte {

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Debug("ipc: malformed request", "session", sessionID)
		return errorEnvelope("malformed request: invalid JSON")
	}

	start := now()
	s.logger.Info("ipc: command received",
		"session", sessionID, "command", req.Command)

	var result any
	var err error

	switch req.Command {
	case cmdGetEK:
		result, err = s.service.GetEK()
	case cmdGetAttestationData:
		result, err = s.service.GetAttestationData()
	case cmdActivateCredential:
		result, err = s.service.ActivateCredential(
			&attestation.ActivateCredentialRequest{
				CredentialBlob:  req.CredentialBlob,
				EncryptedSecret: req.EncryptedSecret,
				HMAC:            req.HMAC,
				Enc:             req.Enc,
			})
	default:
		s.logger.Warn("ipc: unknown command",
			"session", sessionID, "command", req.Command)
		return errorEnvelope("unknown command")
	}

	elapsed := now().Sub(start)

	if err != nil {
		s.logger.Error(err)
		s.logger.Info("ipc: command failed",
			"session", sessionID, "command", req.Command, "elapsed", elapsed)
		return errorEnvelope(err.Error())
	}

	s.logger.Info("ipc: command completed",
		"session", sessionID, "command", req.Command, "elapsed", elapsed)

	encoded, err := json.Marshal(result)
	if err != nil {
		s.logger.Error(err)
		return errorEnvelope("internal error encoding response")
	}
	return encoded
}

// errorEnvelope builds the error response envelope
func errorEnvelope(message string) []byte {
	encoded, err := json.Marshal(errorResponse{
		Status:  "error",
		Message: message,
	})
	if err != nil {
		return []byte(`{"status":"error","message":"internal error"}`)
	}
	return encoded
}
