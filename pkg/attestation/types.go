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

package attestation

// StatusOK is the status value carried by every successful response
const StatusOK = "ok"

// EKResponse answers a getEK command. EKPublic is the base64 DER
// SubjectPublicKeyInfo of the Endorsement Key; EKCert is the base64 DER
// manufacturer certificate, empty when the TPM has none provisioned.
type EKResponse struct {
	Status   string `json:"status"`
	EKPublic string `json:"ek_public"`
	EKCert   string `json:"ek_cert"`
}

// AttestationDataResponse answers a getAttestationData command. AIKName
// is the base64 TPM name of a freshly created Attestation Key; it
// differs on every call.
type AttestationDataResponse struct {
	Status  string `json:"status"`
	EKPub   string `json:"ek_pub"`
	EKCert  string `json:"ek_cert"`
	AIKName string `json:"aik_name"`
}

// ActivateCredentialRequest carries the base64 challenge fields of an
// activateCredential command. CredentialBlob is the preferred form;
// HMAC and Enc are the split integrity and ciphertext halves accepted
// from clients that transmit the identity object in two pieces.
type ActivateCredentialRequest struct {
	CredentialBlob  string
	EncryptedSecret string
	HMAC            string
	Enc             string
}

// ActivateCredentialResponse returns the recovered challenge secret,
// base64 encoded
type ActivateCredentialResponse struct {
	Status          string `json:"status"`
	DecryptedSecret string `json:"decrypted_secret"`
}
