package tpm2

import (
	"encoding/binary"

	"github.com/google/go-tpm/tpm2"
)

// nvReadChunkSize keeps each NVRead under the TPM2B_MAX_NV_BUFFER limit
// common to hardware TPMs
const nvReadChunkSize = 1024

// EKCertificate reads the manufacturer-provisioned EK certificate from
// the configured NV index. Returns nil without error when the index is
// not provisioned, which is normal for simulators and some OEM parts.
func (t *TPM2) EKCertificate() ([]byte, error) {
	var cert []byte
	err := t.withModule(func() error {
		var err error
		cert, err = t.ekCertificate()
		return err
	})
	return cert, err
}

func (t *TPM2) ekCertificate() ([]byte, error) {

	if t.config.EKCertIndex == 0 {
		return nil, nil
	}
	certIndex := tpm2.TPMHandle(t.config.EKCertIndex)

	nvPub, err := tpm2.NVReadPublic{
		NVIndex: certIndex,
	}.Execute(t.transport)
	if err != nil {
		t.logger.Debugf(
			"tpm: no EK certificate at NV index 0x%x: %v",
			t.config.EKCertIndex, err)
		return nil, nil
	}

	nvPublic, err := nvPub.NVPublic.Contents()
	if err != nil {
		t.logger.Error(err)
		return nil, err
	}
	if nvPublic.DataSize == 0 {
		t.logger.Debugf(
			"tpm: EK certificate NV index 0x%x has zero size",
			t.config.EKCertIndex)
		return nil, nil
	}

	// Hardware NV areas are larger than a single read, so the
	// certificate is assembled in chunks using the Name from
	// NVReadPublic for authorization
	cert := make([]byte, 0, nvPublic.DataSize)
	for offset := uint16(0); offset < nvPublic.DataSize; {
		size := nvPublic.DataSize - offset
		if size > nvReadChunkSize {
			size = nvReadChunkSize
		}
		readRsp, err := tpm2.NVRead{
			AuthHandle: tpm2.AuthHandle{
				Handle: certIndex,
				Name:   nvPub.NVName,
				Auth:   tpm2.PasswordAuth(nil),
			},
			NVIndex: tpm2.NamedHandle{
				Handle: certIndex,
				Name:   nvPub.NVName,
			},
			Size:   size,
			Offset: offset,
		}.Execute(t.transport)
		if err != nil {
			t.logger.Error(err)
			return nil, err
		}
		cert = append(cert, readRsp.Data.Buffer...)
		offset += size
	}

	return unwrapTPM2B(cert), nil
}

// unwrapTPM2B strips a TPM2B size prefix when the NV area stores the
// certificate wrapped rather than raw. Some provisioning tools write
// the sized form; the prefix is present exactly when the first two
// bytes read as a big-endian length accounting for the rest of the
// buffer.
func unwrapTPM2B(data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	size := binary.BigEndian.Uint16(data[0:2])
	if int(size)+2 == len(data) {
		return data[2:]
	}
	return data
}
