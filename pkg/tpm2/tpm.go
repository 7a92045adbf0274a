package tpm2

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"
	"github.com/jeremyhahn/tpm-attestd/pkg/logging"
)

// TrustedPlatformModule is the serialized interface to the single
// physical TPM. Every method runs its full command sequence under the
// module gate, so callers on concurrent goroutines never interleave
// partial hardware commands.
type TrustedPlatformModule interface {
	EK() (*EndorsementKey, error)
	EKCertificate() ([]byte, error)
	CreateAK() (*AttestationKey, error)
	ActivateCredential(credentialBlob, encryptedSecret []byte) ([]byte, error)
	MakeCredential(akName, secret []byte) ([]byte, []byte, []byte, error)
	Close() error
}

// EndorsementKey is the permanent device identity key. The public
// material is byte-identical across process restarts.
type EndorsementKey struct {
	// Handle is the persistent handle the key lives at
	Handle uint32

	// Name is the TPM-computed name (algorithm-tagged digest over the
	// public area)
	Name []byte

	// Modulus is the big-endian RSA modulus as returned by the TPM,
	// which may carry leading sign-avoidance padding
	Modulus []byte

	// Exponent is the RSA public exponent; zero means the TPM default
	// of 65537
	Exponent uint32
}

// AttestationKey describes a freshly created transient Attestation Key.
// The hardware handle is already released when this is returned; the
// wrapped key material is retained in memory so credential activation
// can reload it under the EK.
type AttestationKey struct {
	// Name is the TPM-computed name binding challenges to this key
	Name []byte

	// Public is the marshaled TPMT_PUBLIC area
	Public []byte
}

// akContext holds the wrapped blobs of the most recently created
// Attestation Key so it can be reloaded for activation. Never written
// to persistent storage.
type akContext struct {
	private tpm2.TPM2BPrivate
	public  tpm2.TPM2BPublic
	name    tpm2.TPM2BName
}

// SimulatorInterface abstracts the embedded TPM simulator so the
// dependency is only compiled in with -tags tpm_simulator
type SimulatorInterface interface {
	Close() error
	Transport() transport.TPM
	ReadWriter() io.ReadWriter
}

// simulatorOpener is installed by the build-tagged simulator file
var simulatorOpener func() (SimulatorInterface, error)

// Params holds the dependencies for a new TPM2 instance
type Params struct {
	Config *Config
	Logger *logging.Logger

	// Transport is an optional pre-established transport, used by tests
	Transport transport.TPM
}

// TPM2 owns the single live connection to the TPM and the mutex that
// serializes every command issued against it.
type TPM2 struct {
	config    *Config
	logger    *logging.Logger
	device    *os.File
	simulator SimulatorInterface
	transport transport.TPM

	mu sync.Mutex
	ek *EndorsementKey
	ak *akContext
}

// NewTPM2 connects to the TPM described by the configuration. When this
// function returns without error the TPM has answered a capability
// probe and is ready for use; a connection failure here is fatal to the
// caller.
func NewTPM2(params *Params) (*TPM2, error) {

	if params.Config == nil {
		params.Config = DefaultConfig()
	}
	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}

	t := &TPM2{
		config: params.Config,
		logger: params.Logger,
	}

	var err error

	if params.Transport != nil {
		t.logger.Info("tpm: using custom TPM transport")
		t.transport = params.Transport
	} else if params.Config.UseSimulator {
		t.logger.Info("tpm: opening TPM simulator")
		t.simulator, err = simulatorOpener()
		if err != nil {
			t.logger.Error(err)
			return nil, err
		}
		t.transport = t.simulator.Transport()
	} else if strings.HasSuffix(params.Config.Device, ".sock") {
		t.logger.Info("tpm: opening TPM resource manager socket",
			"device", params.Config.Device)
		t.transport, err = linuxudstpm.Open(params.Config.Device)
		if err != nil {
			t.logger.Error(err)
			return nil, err
		}
	} else {
		t.logger.Info("tpm: opening TPM device",
			"device", params.Config.Device)
		t.device, err = os.OpenFile(params.Config.Device, os.O_RDWR, 0)
		if err != nil {
			t.logger.Error(err)
			return nil, ErrOpeningDevice
		}
		t.transport = transport.FromReadWriter(t.device)
	}

	// Startup probe: the daemon must not come up against a device that
	// does not answer
	if err := t.probe(); err != nil {
		t.logger.Error(err)
		_ = t.Close()
		return nil, err
	}

	return t, nil
}

// probe issues a capability read to verify the module is responsive
func (t *TPM2) probe() error {
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(t.transport)
	if err != nil {
		return err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil {
		return err
	}
	if len(props.TPMProperty) > 0 {
		t.logger.Debugf("tpm: manufacturer: 0x%x", props.TPMProperty[0].Value)
	}
	return nil
}

// withModule runs op with exclusive access to the TPM. This is the
// single serialization point for all hardware commands: an in-flight
// command sequence always completes before the next one starts,
// regardless of how many client sessions are being served.
func (t *TPM2) withModule(op func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transport == nil {
		return ErrNotConnected
	}
	return op()
}

// Flush releases a transient object or session handle back to the TPM
func (t *TPM2) Flush(handle tpm2.TPMHandle) {
	t.logger.Debugf("tpm: flushing handle 0x%x", handle)
	_, err := tpm2.FlushContext{
		FlushHandle: handle,
	}.Execute(t.transport)
	if err != nil {
		t.logger.Errorf("tpm: failed to flush handle 0x%x: %v", handle, err)
	}
}

// ReadHandle returns the name and public area of the object at the
// given handle
func (t *TPM2) ReadHandle(handle tpm2.TPMHandle) (tpm2.TPM2BName, tpm2.TPMTPublic, error) {
	rsp, err := tpm2.ReadPublic{
		ObjectHandle: handle,
	}.Execute(t.transport)
	if err != nil {
		return tpm2.TPM2BName{}, tpm2.TPMTPublic{}, err
	}
	pub, err := rsp.OutPublic.Contents()
	if err != nil {
		return tpm2.TPM2BName{}, tpm2.TPMTPublic{}, err
	}
	return rsp.Name, *pub, nil
}

// Transport returns the underlying transport used to facilitate the
// logical connection to the TPM
func (t *TPM2) Transport() transport.TPM {
	return t.transport
}

// Device returns the configured TPM device path
func (t *TPM2) Device() string {
	return t.config.Device
}

// getActiveTransientHandles queries the TPM for currently loaded
// transient handles
func (t *TPM2) getActiveTransientHandles() []tpm2.TPMHandle {
	if t.transport == nil {
		return nil
	}
	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapHandles,
		Property:      uint32(0x80000000), // transient handle range start
		PropertyCount: 16,
	}.Execute(t.transport)
	if err != nil {
		t.logger.Debugf("tpm: unable to query active handles: %v", err)
		return nil
	}
	handles, err := rsp.CapabilityData.Data.Handles()
	if err != nil {
		t.logger.Debugf("tpm: unable to parse handle list: %v", err)
		return nil
	}
	return handles.Handle
}

// Close flushes any transient handles still loaded and closes the
// connection to the TPM. Safe to call on every exit path.
func (t *TPM2) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Info("tpm: closing connection")

	if t.transport != nil {
		for _, handle := range t.getActiveTransientHandles() {
			_, _ = tpm2.FlushContext{FlushHandle: handle}.Execute(t.transport)
		}
	}

	t.ak = nil
	t.ek = nil

	if t.device != nil {
		if err := t.device.Close(); err != nil {
			t.logger.Error(err)
		}
		t.device = nil
	}
	if t.simulator != nil {
		if err := t.simulator.Close(); err != nil {
			t.logger.Errorf("tpm: failed to close simulator: %v", err)
		}
		t.simulator = nil
	}
	t.transport = nil
	return nil
}
