package tpm2

import (
	"crypto/rand"
	"fmt"

	"github.com/google/go-tpm/tpm2"
)

// ActivateCredential proves possession of the EK and the current
// Attestation Key by recovering the secret sealed inside a
// MakeCredential challenge. The AK from the most recent CreateAK is
// reloaded under the EK for the activation; the recovered secret is
// returned to the caller and never logged.
func (t *TPM2) ActivateCredential(
	credentialBlob, encryptedSecret []byte) ([]byte, error) {

	// Validate structure sizes before touching hardware
	if len(credentialBlob) < minCredentialBlobSize ||
		len(credentialBlob) > maxCredentialBlobSize {
		return nil, ErrInvalidBlobSize
	}
	if len(encryptedSecret) != ekKeyBytes {
		return nil, ErrInvalidSecretSize
	}

	var secret []byte
	err := t.withModule(func() error {
		var err error
		secret, err = t.activateCredential(credentialBlob, encryptedSecret)
		return err
	})
	return secret, err
}

func (t *TPM2) activateCredential(
	credentialBlob, encryptedSecret []byte) ([]byte, error) {

	if t.ak == nil {
		return nil, ErrNoAttestationKey
	}

	ek, err := t.endorsementKey()
	if err != nil {
		return nil, err
	}
	ekHandle := tpm2.TPMHandle(ek.Handle)
	ekName := tpm2.TPM2BName{Buffer: ek.Name}

	// Reload the AK under the EK
	session, closer, err := t.endorsementPolicySession()
	if err != nil {
		return nil, err
	}
	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Name:   ekName,
			Auth:   session,
		},
		InPrivate: t.ak.private,
		InPublic:  t.ak.public,
	}.Execute(t.transport)
	if closeErr := closer(); closeErr != nil {
		t.logger.Errorf("tpm: failed to close policy session: %v", closeErr)
	}
	if err != nil {
		t.logger.Error(err)
		return nil, err
	}
	defer t.Flush(loadRsp.ObjectHandle)

	// A fresh session authorizes the EK side of the activation
	session, closer, err = t.endorsementPolicySession()
	if err != nil {
		return nil, err
	}
	activateRsp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Name:   ekName,
			Auth:   session,
		},
		CredentialBlob: tpm2.TPM2BIDObject{Buffer: credentialBlob},
		Secret:         tpm2.TPM2BEncryptedSecret{Buffer: encryptedSecret},
	}.Execute(t.transport)
	if closeErr := closer(); closeErr != nil {
		t.logger.Errorf("tpm: failed to close policy session: %v", closeErr)
	}
	if err != nil {
		// The TPM error text carries no secret material
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivationCredential, err)
	}

	t.logger.Debug("tpm: credential activation succeeded")

	return activateRsp.CertInfo.Buffer, nil
}

// MakeCredential builds a credential challenge bound to the given AK
// name using the EK public key. When secret is nil a random 32 byte
// secret is generated. Returns the credential blob, the encrypted
// secret and the secret itself. Used by tests and verifier-side
// tooling; the daemon only consumes challenges.
func (t *TPM2) MakeCredential(
	akName, secret []byte) ([]byte, []byte, []byte, error) {

	if secret == nil {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, nil, err
		}
	}

	var blob, encryptedSecret []byte
	err := t.withModule(func() error {
		ek, err := t.endorsementKey()
		if err != nil {
			return err
		}
		mc, err := tpm2.MakeCredential{
			Handle:     tpm2.TPMHandle(ek.Handle),
			Credential: tpm2.TPM2BDigest{Buffer: secret},
			ObjectName: tpm2.TPM2BName{Buffer: akName},
		}.Execute(t.transport)
		if err != nil {
			t.logger.Error(err)
			return err
		}
		blob = mc.CredentialBlob.Buffer
		encryptedSecret = mc.Secret.Buffer
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return blob, encryptedSecret, secret, nil
}
