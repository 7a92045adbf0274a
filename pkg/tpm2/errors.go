package tpm2

import "errors"

var (
	// ErrNotConnected is returned when an operation is attempted before
	// the TPM transport has been established or after Close
	ErrNotConnected = errors.New("tpm: not connected to a TPM")

	// ErrOpeningDevice is returned when the TPM character device can not
	// be opened
	ErrOpeningDevice = errors.New("tpm: failed to open TPM device")

	// ErrInvalidEKPublic is returned when the Endorsement Key public
	// area does not contain the expected RSA material
	ErrInvalidEKPublic = errors.New("tpm: invalid EK public area")

	// ErrNoAttestationKey is returned when credential activation is
	// requested before an Attestation Key has been created
	ErrNoAttestationKey = errors.New("tpm: no attestation key; request attestation data first")

	// ErrInvalidBlobSize is returned when a credential blob is not
	// consistent with the TPM identity object structure limits
	ErrInvalidBlobSize = errors.New("tpm: credential blob size out of range")

	// ErrInvalidSecretSize is returned when an encrypted secret does not
	// match the EK key size
	ErrInvalidSecretSize = errors.New("tpm: encrypted secret size does not match EK key size")

	// ErrInvalidActivationCredential is returned when the TPM rejects a
	// credential activation, typically a Name mismatch between the
	// challenge and the loaded Attestation Key
	ErrInvalidActivationCredential = errors.New("tpm: invalid activation credential")
)
