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

// Package attestation implements the remote attestation operations
// exposed over IPC: Endorsement Key export, Attestation Key creation
// and credential activation.
package attestation

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jeremyhahn/tpm-attestd/internal/encoding"
	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
	"github.com/jeremyhahn/tpm-attestd/pkg/tpm2"
)

var (
	// ErrMissingCredential is returned when an activation request
	// carries neither a credential blob nor the hmac/enc pair
	ErrMissingCredential = errors.New(
		"attestation: missing credential_blob or hmac/enc fields")

	// ErrMissingEncryptedSecret is returned when an activation request
	// carries no encrypted secret
	ErrMissingEncryptedSecret = errors.New(
		"attestation: missing encrypted_secret field")

	// ErrInvalidEncoding is returned when a request field does not
	// decode as base64. The message names the field, never its content.
	ErrInvalidEncoding = errors.New("attestation: invalid base64 encoding")
)

// Service executes attestation operations against the TPM and converts
// key material to the wire representations clients expect. Concurrency
// control lives below in the TPM layer; the service itself is
// stateless.
type Service struct {
	tpm    tpm2.TrustedPlatformModule
	logger *logging.Logger
}

// NewService creates an attestation service backed by the given TPM
func NewService(
	tpm tpm2.TrustedPlatformModule, logger *logging.Logger) *Service {

	return &Service{
		tpm:    tpm,
		logger: logger,
	}
}

// GetEK returns the Endorsement Key public as base64 DER
// SubjectPublicKeyInfo along with the EK certificate when the TPM has
// one provisioned. The returned bytes are identical on every call for
// the life of the device.
func (s *Service) GetEK() (*EKResponse, error) {

	ekPublic, ekCert, err := s.endorsementPublic()
	if err != nil {
		return nil, err
	}

	return &EKResponse{
		Status:   StatusOK,
		EKPublic: ekPublic,
		EKCert:   ekCert,
	}, nil
}

// GetAttestationData creates a fresh Attestation Key and returns its
// TPM name together with the EK public material a verifier needs to
// build a MakeCredential challenge. Each call yields a new key, so
// challenges can not be replayed across sessions.
func (s *Service) GetAttestationData() (*AttestationDataResponse, error) {

	ekPublic, ekCert, err := s.endorsementPublic()
	if err != nil {
		return nil, err
	}

	ak, err := s.tpm.CreateAK()
	if err != nil {
		return nil, err
	}

	return &AttestationDataResponse{
		Status:  StatusOK,
		EKPub:   ekPublic,
		EKCert:  ekCert,
		AIKName: base64.StdEncoding.EncodeToString(ak.Name),
	}, nil
}

// ActivateCredential recovers the secret sealed inside a verifier
// challenge, proving this device holds both the EK and the Attestation
// Key from the preceding GetAttestationData call. Neither the request
// payloads nor the recovered secret are ever logged.
func (s *Service) ActivateCredential(
	req *ActivateCredentialRequest) (*ActivateCredentialResponse, error) {

	if req.EncryptedSecret == "" {
		return nil, ErrMissingEncryptedSecret
	}

	var credentialBlob []byte
	switch {
	case req.CredentialBlob != "":
		blob, err := base64.StdEncoding.DecodeString(req.CredentialBlob)
		if err != nil {
			return nil, fmt.Errorf("%w: credential_blob", ErrInvalidEncoding)
		}
		credentialBlob = blob
	case req.HMAC != "" && req.Enc != "":
		// Split form: the identity object arrives as its integrity
		// HMAC and encrypted payload halves and is reassembled here
		hmac, err := base64.StdEncoding.DecodeString(req.HMAC)
		if err != nil {
			return nil, fmt.Errorf("%w: hmac", ErrInvalidEncoding)
		}
		enc, err := base64.StdEncoding.DecodeString(req.Enc)
		if err != nil {
			return nil, fmt.Errorf("%w: enc", ErrInvalidEncoding)
		}
		credentialBlob = append(hmac, enc...)
	default:
		return nil, ErrMissingCredential
	}

	encryptedSecret, err := base64.StdEncoding.DecodeString(req.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted_secret", ErrInvalidEncoding)
	}

	secret, err := s.tpm.ActivateCredential(credentialBlob, encryptedSecret)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("attestation: credential activated")

	return &ActivateCredentialResponse{
		Status:          StatusOK,
		DecryptedSecret: base64.StdEncoding.EncodeToString(secret),
	}, nil
}

// endorsementPublic resolves the EK and encodes its public key and
// certificate for the wire
func (s *Service) endorsementPublic() (string, string, error) {

	ek, err := s.tpm.EK()
	if err != nil {
		return "", "", err
	}

	der, err := encoding.EncodeSubjectPublicKeyInfo(ek.Modulus, ek.Exponent)
	if err != nil {
		return "", "", err
	}

	var ekCert string
	cert, err := s.tpm.EKCertificate()
	if err != nil {
		return "", "", err
	}
	if len(cert) > 0 {
		ekCert = base64.StdEncoding.EncodeToString(cert)
	}

	return base64.StdEncoding.EncodeToString(der), ekCert, nil
}
