// Package provision implements the Primary's idempotent enrollment state
// machine (spec.md §4.5): key generation, device-id stabilization, TLS
// credential acquisition, and ECU registration.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/keymanager"
	"github.com/uptane-go/primary/pkg/store"
)

// State is a step of the provisioning state machine.
type State int

const (
	Unprovisioned State = iota
	KeysReady
	DeviceRegistered
	EcusRegistered
	Provisioned
	Failed
)

func (s State) String() string {
	switch s {
	case Unprovisioned:
		return "Unprovisioned"
	case KeysReady:
		return "KeysReady"
	case DeviceRegistered:
		return "DeviceRegistered"
	case EcusRegistered:
		return "EcusRegistered"
	case Provisioned:
		return "Provisioned"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config carries the operator-supplied overrides; everything else is
// derived or generated. Secondaries is accepted as the loosely-typed shape
// a TOML/JSON config loader would hand back, decoded with mapstructure.
type Config struct {
	DeviceID              string
	HardwareID            string
	ProvisioningServerURL string
	TLSServerURL          string
	PKCS12Password        string
	Secondaries           []map[string]interface{}
}

// Provisioner drives Attempt() towards Provisioned, resuming at the first
// incomplete step on every call.
type Provisioner struct {
	store   store.Store
	km      *keymanager.Manager
	fetcher fetcher.Fetcher
	cfg     Config
	log     *zap.Logger
}

// decomposePKCS12 is a seam so tests can stub enrollment-response decoding
// without constructing a real PKCS#12 bundle.
var decomposePKCS12 = keymanager.DecomposePKCS12

// New builds a Provisioner. log defaults to a no-op logger.
func New(st store.Store, km *keymanager.Manager, f fetcher.Fetcher, cfg Config, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provisioner{store: st, km: km, fetcher: f, cfg: cfg, log: log}
}

// Attempt resumes provisioning at the first incomplete step. It is safe to
// call repeatedly, including entirely offline: the steps it can complete
// without network access are persisted before any server call is made.
func (p *Provisioner) Attempt(ctx context.Context) (State, error) {
	if err := p.ensureKeysReady(ctx); err != nil {
		return Unprovisioned, err
	}

	if _, err := p.store.LoadTLSCreds(ctx); err == store.ErrNotFound {
		if err := p.registerDevice(ctx); err != nil {
			return KeysReady, err
		}
	} else if err != nil {
		return KeysReady, &Error{Kind: ErrStoreWrite, Step: "load-tls-creds", Wrapped: err}
	}

	registered, err := p.store.LoadEcuRegistered(ctx)
	if err != nil {
		return DeviceRegistered, &Error{Kind: ErrStoreWrite, Step: "load-ecu-registered", Wrapped: err}
	}
	if !registered {
		if err := p.registerEcus(ctx); err != nil {
			return DeviceRegistered, err
		}
	}

	return Provisioned, nil
}

// PrimaryEcuSerial returns the stable, persisted Primary ECU serial,
// generating and persisting one on first call if none exists yet. It never
// touches the network, so it is available even if the device has only ever
// attempted provisioning offline.
func (p *Provisioner) PrimaryEcuSerial(ctx context.Context) (string, error) {
	ecus, err := p.store.LoadEcuSerials(ctx)
	if err == nil {
		for _, e := range ecus {
			if e.IsPrimary {
				return e.EcuSerial, nil
			}
		}
	} else if err != store.ErrNotFound {
		return "", &Error{Kind: ErrStoreWrite, Step: "load-ecu-serials", Wrapped: err}
	}

	serial, err := generatePetName()
	if err != nil {
		return "", &Error{Kind: ErrOffline, Step: "generate-primary-serial", Wrapped: err}
	}
	hwID, err := p.hardwareID()
	if err != nil {
		return "", err
	}
	entries := append(ecus, store.EcuEntry{EcuSerial: serial, HardwareID: hwID, IsPrimary: true})
	if err := p.store.StoreEcuSerials(ctx, entries); err != nil {
		return "", &Error{Kind: ErrStoreWrite, Step: "store-ecu-serials", Wrapped: err}
	}
	return serial, nil
}

func (p *Provisioner) hardwareID() (string, error) {
	if p.cfg.HardwareID != "" {
		return p.cfg.HardwareID, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", &Error{Kind: ErrOffline, Step: "hostname", Wrapped: err}
	}
	return host, nil
}

func (p *Provisioner) deviceID(ctx context.Context) (string, error) {
	if id, err := p.store.LoadDeviceID(ctx); err == nil {
		return id, nil
	} else if err != store.ErrNotFound {
		return "", &Error{Kind: ErrStoreWrite, Step: "load-device-id", Wrapped: err}
	}

	id := p.cfg.DeviceID
	if id == "" {
		if creds, err := p.store.LoadTLSCreds(ctx); err == nil {
			if info, err := xcrypto.X509Extract(creds.Cert); err == nil && info.SubjectCN != "" {
				id = info.SubjectCN
			}
		}
	}
	if id == "" {
		generated, err := generatePetName()
		if err != nil {
			return "", &Error{Kind: ErrOffline, Step: "generate-device-id", Wrapped: err}
		}
		id = generated
	}
	if err := p.store.StoreDeviceID(ctx, id); err != nil {
		return "", &Error{Kind: ErrStoreWrite, Step: "store-device-id", Wrapped: err}
	}
	return id, nil
}

func (p *Provisioner) ensureKeysReady(ctx context.Context) error {
	if err := p.km.GenerateUptaneKeypair(ctx); err != nil {
		return &Error{Kind: ErrStoreWrite, Step: "generate-uptane-keypair", Wrapped: err}
	}
	if _, err := p.deviceID(ctx); err != nil {
		return err
	}
	if _, err := p.PrimaryEcuSerial(ctx); err != nil {
		return err
	}
	return nil
}

type enrollmentRequest struct {
	RequestID string `json:"request_id"`
	DeviceID  string `json:"device_id"`
}

type serverError struct {
	Code string `json:"code"`
}

func (p *Provisioner) registerDevice(ctx context.Context) error {
	id, err := p.deviceID(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(enrollmentRequest{RequestID: uuid.NewString(), DeviceID: id})
	if err != nil {
		return &Error{Kind: ErrServerRejected, Step: "marshal-enrollment", Wrapped: err}
	}

	resp, err := p.fetcher.Post(ctx, p.cfg.ProvisioningServerURL+"/devices", "application/json", body)
	if err != nil {
		if se, ok := errorCode(resp); ok && se == "device_already_registered" {
			return &Error{Kind: ErrAlreadyRegistered, Step: "register-device"}
		}
		return &Error{Kind: classify(err), Step: "register-device", Wrapped: err}
	}

	ca, cert, key, err := decomposePKCS12(resp, p.cfg.PKCS12Password)
	if err != nil {
		return &Error{Kind: ErrServerRejected, Step: "decompose-pkcs12", Wrapped: err}
	}
	if err := p.store.StoreTLSCreds(ctx, store.TLSCredentials{CA: ca, Cert: cert, Key: key}); err != nil {
		return &Error{Kind: ErrStoreWrite, Step: "store-tls-creds", Wrapped: err}
	}
	return nil
}

type clientKeyVal struct {
	Public string `json:"public"`
}

type clientKey struct {
	KeyType string       `json:"keytype"`
	KeyVal  clientKeyVal `json:"keyval"`
}

type ecuRegistration struct {
	EcuSerial          string    `json:"ecu_serial"`
	HardwareIdentifier string    `json:"hardware_identifier"`
	ClientKey          clientKey `json:"clientKey"`
}

type ecuRegistrationRequest struct {
	PrimaryEcuSerial string            `json:"primary_ecu_serial"`
	Ecus             []ecuRegistration `json:"ecus"`
}

func (p *Provisioner) registerEcus(ctx context.Context) error {
	primarySerial, err := p.PrimaryEcuSerial(ctx)
	if err != nil {
		return err
	}
	pub, err := p.km.UptanePublicKey(ctx)
	if err != nil {
		return &Error{Kind: ErrStoreWrite, Step: "uptane-public-key", Wrapped: err}
	}
	hwID, err := p.hardwareID()
	if err != nil {
		return err
	}

	var secondaries []store.EcuEntry
	if len(p.cfg.Secondaries) > 0 {
		if err := mapstructure.Decode(p.cfg.Secondaries, &secondaries); err != nil {
			return &Error{Kind: ErrServerRejected, Step: "decode-secondaries-config", Wrapped: err}
		}
	}

	req := ecuRegistrationRequest{
		PrimaryEcuSerial: primarySerial,
		Ecus: []ecuRegistration{{
			EcuSerial:          primarySerial,
			HardwareIdentifier: hwID,
			ClientKey:          clientKey{KeyType: string(pub.KeyType), KeyVal: clientKeyVal{Public: pub.KeyVal.Public}},
		}},
	}
	for _, s := range secondaries {
		req.Ecus = append(req.Ecus, ecuRegistration{EcuSerial: s.EcuSerial, HardwareIdentifier: s.HardwareID})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &Error{Kind: ErrServerRejected, Step: "marshal-ecu-registration", Wrapped: err}
	}

	resp, err := p.fetcher.Post(ctx, p.cfg.TLSServerURL+"/director/ecus", "application/json", body)
	if err != nil {
		if se, ok := errorCode(resp); ok && se == "ecu_already_registered" {
			p.log.Info("ecus already registered upstream, latching locally")
		} else {
			return &Error{Kind: classify(err), Step: "register-ecus", Wrapped: err}
		}
	}

	if err := p.store.StoreEcuRegistered(ctx); err != nil {
		return &Error{Kind: ErrStoreWrite, Step: "store-ecu-registered", Wrapped: err}
	}
	return nil
}

func errorCode(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var se serverError
	if err := json.Unmarshal(bytes.TrimSpace(body), &se); err != nil {
		return "", false
	}
	return se.Code, se.Code != ""
}

func classify(err error) ErrorKind {
	if ferr, ok := err.(*fetcher.Error); ok {
		if ferr.TransportCode == "transport" || strings.Contains(strings.ToLower(ferr.Message), "timeout") {
			return ErrOffline
		}
	}
	return ErrServerRejected
}
