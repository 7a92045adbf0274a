package tpm2

import (
	"github.com/google/go-tpm/tpm2"
)

// EK returns the Endorsement Key, creating and persisting it on first
// use. The public material is stable across calls and process restarts.
func (t *TPM2) EK() (*EndorsementKey, error) {
	var ek *EndorsementKey
	err := t.withModule(func() error {
		var err error
		ek, err = t.endorsementKey()
		return err
	})
	return ek, err
}

// endorsementKey resolves the EK under the module gate. The persistent
// handle is tried first; a miss means first boot on this TPM and the
// key is created from the TCG template and evicted to the configured
// handle.
func (t *TPM2) endorsementKey() (*EndorsementKey, error) {

	if t.ek != nil {
		return t.ek, nil
	}

	ekHandle := tpm2.TPMHandle(t.config.EKHandle)

	name, pub, err := t.ReadHandle(ekHandle)
	if err != nil {
		t.logger.Debugf(
			"tpm: no EK at persistent handle 0x%x, creating: %v",
			t.config.EKHandle, err)
		name, pub, err = t.createEK()
		if err != nil {
			return nil, err
		}
	}

	rsaDetail, err := pub.Parameters.RSADetail()
	if err != nil {
		t.logger.Error(err)
		return nil, ErrInvalidEKPublic
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		t.logger.Error(err)
		return nil, ErrInvalidEKPublic
	}

	t.ek = &EndorsementKey{
		Handle:   t.config.EKHandle,
		Name:     name.Buffer,
		Modulus:  rsaUnique.Buffer,
		Exponent: rsaDetail.Exponent,
	}

	t.logger.Debugf("tpm: EK name: %x", t.ek.Name)

	return t.ek, nil
}

// createEK creates the RSA EK primary under the Endorsement hierarchy
// and makes it persistent. CreatePrimary with the TCG template is
// deterministic per TPM, so the resulting key always matches the
// manufacturer EK certificate.
func (t *TPM2) createEK() (tpm2.TPM2BName, tpm2.TPMTPublic, error) {

	t.logger.Info("tpm: creating RSA Endorsement Key")

	primaryKey, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   tpm2.PasswordAuth([]byte(t.config.HierarchyAuth)),
		},
		InPublic: tpm2.New2B(RSAEKTemplate),
	}.Execute(t.transport)
	if err != nil {
		t.logger.Error(err)
		return tpm2.TPM2BName{}, tpm2.TPMTPublic{}, err
	}
	defer t.Flush(primaryKey.ObjectHandle)

	_, err = tpm2.EvictControl{
		Auth: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		ObjectHandle: &tpm2.NamedHandle{
			Handle: primaryKey.ObjectHandle,
			Name:   primaryKey.Name,
		},
		PersistentHandle: tpm2.TPMHandle(t.config.EKHandle),
	}.Execute(t.transport)
	if err != nil {
		t.logger.Error(err)
		return tpm2.TPM2BName{}, tpm2.TPMTPublic{}, err
	}

	t.logger.Infof("tpm: EK persisted to 0x%x", t.config.EKHandle)

	pub, err := primaryKey.OutPublic.Contents()
	if err != nil {
		t.logger.Error(err)
		return tpm2.TPM2BName{}, tpm2.TPMTPublic{}, err
	}

	return primaryKey.Name, *pub, nil
}

// CreateAK creates a fresh Attestation Key under the EK and returns its
// name and public area. Every call produces an independent key: the
// sensitive area is randomized by the TPM, so names never repeat. The
// wrapped blobs are retained in memory for credential activation and
// the hardware handle is released before returning.
func (t *TPM2) CreateAK() (*AttestationKey, error) {
	var ak *AttestationKey
	err := t.withModule(func() error {
		var err error
		ak, err = t.createAK()
		return err
	})
	return ak, err
}

func (t *TPM2) createAK() (*AttestationKey, error) {

	ek, err := t.endorsementKey()
	if err != nil {
		return nil, err
	}
	ekHandle := tpm2.TPMHandle(ek.Handle)
	ekName := tpm2.TPM2BName{Buffer: ek.Name}

	// The EK auth policy requires a PolicySecret session against the
	// Endorsement hierarchy. Sessions are single-use, so Create and
	// Load each get their own.
	session, closer, err := t.endorsementPolicySession()
	if err != nil {
		return nil, err
	}

	createRsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Name:   ekName,
			Auth:   session,
		},
		InPublic: tpm2.New2B(AKTemplate),
	}.Execute(t.transport)
	if closeErr := closer(); closeErr != nil {
		t.logger.Errorf("tpm: failed to close policy session: %v", closeErr)
	}
	if err != nil {
		t.logger.Error(err)
		return nil, err
	}

	session, closer, err = t.endorsementPolicySession()
	if err != nil {
		return nil, err
	}

	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Name:   ekName,
			Auth:   session,
		},
		InPrivate: createRsp.OutPrivate,
		InPublic:  createRsp.OutPublic,
	}.Execute(t.transport)
	if closeErr := closer(); closeErr != nil {
		t.logger.Errorf("tpm: failed to close policy session: %v", closeErr)
	}
	if err != nil {
		t.logger.Error(err)
		return nil, err
	}
	defer t.Flush(loadRsp.ObjectHandle)

	t.ak = &akContext{
		private: createRsp.OutPrivate,
		public:  createRsp.OutPublic,
		name:    loadRsp.Name,
	}

	t.logger.Debugf("tpm: AK name: %x", loadRsp.Name.Buffer)

	return &AttestationKey{
		Name:   loadRsp.Name.Buffer,
		Public: tpm2.Marshal(createRsp.OutPublic),
	}, nil
}
