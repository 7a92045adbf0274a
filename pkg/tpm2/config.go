package tpm2

import (
	"errors"
	"fmt"
)

// Config contains configuration parameters for the TPM 2.0 connection.
// It supports both hardware TPM devices and the embedded simulator.
type Config struct {
	// Device specifies the path to the TPM character device or to a
	// TPM resource manager unix socket (a path ending in .sock).
	// Common values: /dev/tpmrm0 (resource manager), /dev/tpm0 (direct)
	Device string `json:"device" yaml:"device"`

	// UseSimulator indicates whether to use the embedded TPM simulator
	// instead of hardware. Requires building with -tags tpm_simulator.
	UseSimulator bool `json:"use_simulator" yaml:"use_simulator"`

	// EKHandle is the persistent handle the Endorsement Key is evicted
	// to after first creation. Must be in the persistent handle range
	// 0x81000000 - 0x81FFFFFF.
	EKHandle uint32 `json:"ek_handle" yaml:"ek_handle"`

	// EKCertIndex is the NV index holding the manufacturer-provisioned
	// EK certificate. 0x01C00002 is the TCG-assigned index for the
	// RSA-2048 EK certificate.
	EKCertIndex uint32 `json:"ek_cert_index" yaml:"ek_cert_index"`

	// HierarchyAuth is the Endorsement hierarchy authorization password.
	// Empty on most platforms.
	HierarchyAuth string `json:"hierarchy_auth" yaml:"hierarchy_auth"`
}

// DefaultConfig returns a Config with defaults for hardware TPM usage:
// the TPM resource manager device, the standard persistent EK handle and
// the TCG RSA-2048 EK certificate NV index.
func DefaultConfig() *Config {
	return &Config{
		Device:       "/dev/tpmrm0",
		UseSimulator: false,
		EKHandle:     0x81010001,
		EKCertIndex:  0x01C00002,
	}
}

// Validate checks the configuration for completeness and correctness
func (c *Config) Validate() error {
	if !c.UseSimulator && c.Device == "" {
		return errors.New("tpm: Device is required when UseSimulator is false")
	}
	if c.EKHandle == 0 {
		return errors.New("tpm: EKHandle is required")
	}
	if !IsPersistentHandle(c.EKHandle) {
		return fmt.Errorf(
			"tpm: EKHandle must be in persistent range (0x81000000-0x81FFFFFF), got %#x",
			c.EKHandle)
	}
	if c.EKCertIndex != 0 && !IsNVIndex(c.EKCertIndex) {
		return fmt.Errorf(
			"tpm: EKCertIndex must be in NV index range (0x01000000-0x01FFFFFF), got %#x",
			c.EKCertIndex)
	}
	return nil
}

// IsPersistentHandle returns true if the handle is in the TPM persistent
// handle range 0x81000000 to 0x81FFFFFF.
func IsPersistentHandle(handle uint32) bool {
	return handle >= 0x81000000 && handle <= 0x81FFFFFF
}

// IsNVIndex returns true if the handle is in the TPM NV index range
// 0x01000000 to 0x01FFFFFF.
func IsNVIndex(handle uint32) bool {
	return handle >= 0x01000000 && handle <= 0x01FFFFFF
}
