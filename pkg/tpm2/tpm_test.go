//go:build tpm_simulator

package tpm2

import (
	"bytes"
	"sync"
	"testing"

	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The simulator only supports a single in-process instance, so every
// test opens and closes its own connection and none run in parallel.

func simConfig() *Config {
	return &Config{
		UseSimulator: true,
		EKHandle:     0x81010001,
		EKCertIndex:  0x01C00002,
	}
}

func createSim(t *testing.T) *TPM2 {
	t.Helper()
	tpm, err := NewTPM2(&Params{
		Config: simConfig(),
		Logger: logging.NewLogger(true),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tpm.Close()
	})
	return tpm
}

func TestEK(t *testing.T) {
	tpm := createSim(t)

	ek, err := tpm.EK()
	require.NoError(t, err)

	assert.Equal(t, uint32(0x81010001), ek.Handle)
	assert.Len(t, ek.Modulus, 256)
	// SHA-256 name: 2 byte algorithm id plus 32 byte digest
	assert.Len(t, ek.Name, 34)
	// TCG template leaves the exponent at the default
	assert.Equal(t, uint32(0), ek.Exponent)
}

func TestEKIdempotent(t *testing.T) {
	tpm := createSim(t)

	first, err := tpm.EK()
	require.NoError(t, err)
	second, err := tpm.EK()
	require.NoError(t, err)

	assert.Equal(t, first.Modulus, second.Modulus)
	assert.Equal(t, first.Name, second.Name)
}

func TestEKStableAcrossRestart(t *testing.T) {
	tpm := createSim(t)
	first, err := tpm.EK()
	require.NoError(t, err)
	require.NoError(t, tpm.Close())

	// The fixed seed makes the simulator EK deterministic, standing in
	// for the persistent handle on hardware
	tpm = createSim(t)
	second, err := tpm.EK()
	require.NoError(t, err)

	assert.Equal(t, first.Modulus, second.Modulus)
}

func TestEKCertificateAbsent(t *testing.T) {
	tpm := createSim(t)

	// Simulators carry no manufacturer certificate; absence is not an
	// error
	cert, err := tpm.EKCertificate()
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestCreateAKFreshNames(t *testing.T) {
	tpm := createSim(t)

	first, err := tpm.CreateAK()
	require.NoError(t, err)
	second, err := tpm.CreateAK()
	require.NoError(t, err)

	assert.Len(t, first.Name, 34)
	assert.Len(t, second.Name, 34)
	assert.False(t, bytes.Equal(first.Name, second.Name))
	assert.NotEmpty(t, first.Public)
}

func TestActivateCredentialRoundTrip(t *testing.T) {
	tpm := createSim(t)

	ak, err := tpm.CreateAK()
	require.NoError(t, err)

	blob, encryptedSecret, secret, err := tpm.MakeCredential(ak.Name, nil)
	require.NoError(t, err)
	require.Len(t, secret, 32)
	require.Len(t, encryptedSecret, 256)

	recovered, err := tpm.ActivateCredential(blob, encryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)
}

func TestActivateCredentialChosenSecret(t *testing.T) {
	tpm := createSim(t)

	ak, err := tpm.CreateAK()
	require.NoError(t, err)

	want := []byte("nonce-from-verifier-0123456789ab")
	blob, encryptedSecret, secret, err := tpm.MakeCredential(ak.Name, want)
	require.NoError(t, err)
	require.Equal(t, want, secret)

	recovered, err := tpm.ActivateCredential(blob, encryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, want, recovered)
}

func TestActivateCredentialStaleChallenge(t *testing.T) {
	tpm := createSim(t)

	// Challenge bound to the first AK can not be activated once a new
	// AK replaces it
	first, err := tpm.CreateAK()
	require.NoError(t, err)
	blob, encryptedSecret, _, err := tpm.MakeCredential(first.Name, nil)
	require.NoError(t, err)

	_, err = tpm.CreateAK()
	require.NoError(t, err)

	_, err = tpm.ActivateCredential(blob, encryptedSecret)
	assert.ErrorIs(t, err, ErrInvalidActivationCredential)
}

func TestActivateCredentialTamperedSecret(t *testing.T) {
	tpm := createSim(t)

	ak, err := tpm.CreateAK()
	require.NoError(t, err)
	blob, encryptedSecret, _, err := tpm.MakeCredential(ak.Name, nil)
	require.NoError(t, err)

	encryptedSecret[0] ^= 0xff
	_, err = tpm.ActivateCredential(blob, encryptedSecret)
	assert.ErrorIs(t, err, ErrInvalidActivationCredential)
}

func TestActivateCredentialNoAttestationKey(t *testing.T) {
	tpm := createSim(t)

	blob := bytes.Repeat([]byte{0x01}, 60)
	encryptedSecret := bytes.Repeat([]byte{0x02}, 256)

	_, err := tpm.ActivateCredential(blob, encryptedSecret)
	assert.ErrorIs(t, err, ErrNoAttestationKey)
}

func TestActivateCredentialSizeValidation(t *testing.T) {
	tpm := createSim(t)

	encryptedSecret := bytes.Repeat([]byte{0x02}, 256)

	// Too small, too large, and wrong secret size are rejected before
	// any hardware command is issued
	_, err := tpm.ActivateCredential([]byte{0x01}, encryptedSecret)
	assert.ErrorIs(t, err, ErrInvalidBlobSize)

	_, err = tpm.ActivateCredential(
		bytes.Repeat([]byte{0x01}, 1024), encryptedSecret)
	assert.ErrorIs(t, err, ErrInvalidBlobSize)

	_, err = tpm.ActivateCredential(
		bytes.Repeat([]byte{0x01}, 60), []byte{0x02})
	assert.ErrorIs(t, err, ErrInvalidSecretSize)
}

func TestConcurrentEK(t *testing.T) {
	tpm := createSim(t)

	const workers = 8
	results := make([][]byte, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ek, err := tpm.EK()
			if err == nil {
				results[i] = ek.Modulus
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NotNil(t, results[i], "worker %d", i)
		assert.Equal(t, results[0], results[i])
	}
}

func TestOperationsAfterClose(t *testing.T) {
	tpm := createSim(t)
	require.NoError(t, tpm.Close())

	_, err := tpm.EK()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = tpm.CreateAK()
	assert.ErrorIs(t, err, ErrNotConnected)
}
