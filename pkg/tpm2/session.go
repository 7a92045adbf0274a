package tpm2

import (
	"github.com/google/go-tpm/tpm2"
)

// endorsementPolicySession creates a one-time policy session satisfying
// the EK auth policy. The TCG EK template binds authorization to
// PolicySecret over the Endorsement hierarchy, so the session is
// asserted against TPM_RH_ENDORSEMENT before use. The caller must
// invoke the returned closer once the session has been consumed.
func (t *TPM2) endorsementPolicySession() (tpm2.Session, func() error, error) {

	session, closer, err := tpm2.PolicySession(
		t.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		t.logger.Error(err)
		return nil, nil, err
	}

	_, err = tpm2.PolicySecret{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth([]byte(t.config.HierarchyAuth)),
		},
		NonceTPM:      session.NonceTPM(),
		PolicySession: session.Handle(),
	}.Execute(t.transport)
	if err != nil {
		t.logger.Error(err)
		if closeErr := closer(); closeErr != nil {
			t.logger.Errorf(
				"tpm: failed to close session after PolicySecret error: %v",
				closeErr)
		}
		return nil, nil, err
	}

	return session, closer, nil
}
