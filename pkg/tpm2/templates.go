package tpm2

import (
	"github.com/google/go-tpm/tpm2"
)

var (
	// RSAEKTemplate is the TCG EK Credential Profile RSA-2048 template.
	// The template must match the one the manufacturer used when deriving
	// the EK certificate, so CreatePrimary reproduces the certified key.
	RSAEKTemplate = tpm2.RSAEKTemplate

	// AKTemplate is the template for transient Attestation Keys created
	// under the Endorsement Key: ECC P-256, restricted signing,
	// ECDSA/SHA-256. TPM2_Create randomizes the sensitive area, so every
	// key created from this template is independent.
	AKTemplate = tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgECC,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Restricted:          true,
			SignEncrypt:         true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCParms{
				Symmetric: tpm2.TPMTSymDefObject{
					Algorithm: tpm2.TPMAlgNull,
				},
				Scheme: tpm2.TPMTECCScheme{
					Scheme: tpm2.TPMAlgECDSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgECDSA,
						&tpm2.TPMSSigSchemeECDSA{
							HashAlg: tpm2.TPMAlgSHA256,
						},
					),
				},
				CurveID: tpm2.TPMECCNistP256,
			},
		),
		Unique: tpm2.NewTPMUPublicID(
			tpm2.TPMAlgECC,
			&tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: make([]byte, 32)},
				Y: tpm2.TPM2BECCParameter{Buffer: make([]byte, 32)},
			},
		),
	}
)

const (
	// ekKeyBytes is the RSA-2048 EK modulus size. An encrypted secret
	// produced by MakeCredential against this EK is exactly this long.
	ekKeyBytes = 256

	// Credential blob structure limits for a SHA-256 name algorithm:
	// 2-byte integrity HMAC size prefix, the HMAC digest, and the
	// encrypted identity payload.
	minCredentialBlobSize = 2 + 32 + 4
	maxCredentialBlobSize = 512
)
