package secondary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// DeclaredSecondary is one entry of the operator's static Secondary
// configuration (spec.md §8 S6: "config declares one IP secondary").
type DeclaredSecondary struct {
	EcuSerial        string
	Type             Type
	IP               string
	Port             int
	VerificationType VerificationType
}

// Manager holds the live handles for attached Secondaries and persists
// their identity so the Primary keeps functioning when one is offline.
type Manager struct {
	store       store.Store
	secondaries map[string]Secondary
	log         *zap.Logger
}

// New builds a Manager. log defaults to a no-op logger.
func New(st store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: st, secondaries: map[string]Secondary{}, log: log}
}

// Attach wires a live capability handle for ecuSerial (built by the caller
// from DeclaredSecondary, e.g. an *ip.Secondary).
func (m *Manager) Attach(ecuSerial string, sec Secondary) {
	m.secondaries[ecuSerial] = sec
}

type ipExtra struct {
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	VerificationType string `json:"verification_type"`
}

// Initialize migrates legacy persisted state: any declared Secondary with
// no secondary_info row gets one, even if unreachable right now (spec.md
// §8 S6). Existing rows are left untouched.
func (m *Manager) Initialize(ctx context.Context, declared []DeclaredSecondary) error {
	existing, err := m.store.LoadSecondariesInfo(ctx)
	if err != nil {
		return fmt.Errorf("secondary: load secondaries info: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[e.EcuSerial] = true
	}

	for _, d := range declared {
		if known[d.EcuSerial] {
			continue
		}
		vt := d.VerificationType
		if vt == "" {
			vt = VerificationFull // legacy rows default to Full, spec.md §4.7
		}
		extra, err := json.Marshal(ipExtra{IP: d.IP, Port: d.Port, VerificationType: string(vt)})
		if err != nil {
			return fmt.Errorf("secondary: marshal extra for %s: %w", d.EcuSerial, err)
		}
		info := store.SecondaryInfo{
			EcuSerial: d.EcuSerial,
			Type:      storeType(d.Type),
			Extra:     map[string]interface{}{},
		}
		if err := json.Unmarshal(extra, &info.Extra); err != nil {
			return err
		}
		if err := m.store.StoreSecondaryInfo(ctx, info); err != nil {
			return fmt.Errorf("secondary: store secondary info for %s: %w", d.EcuSerial, err)
		}
	}
	return nil
}

func storeType(t Type) store.SecondaryType {
	switch t {
	case IP:
		return store.SecondaryIP
	case OstreeDelegating:
		return store.SecondaryOstreeDelegating
	default:
		return store.SecondaryVirtual
	}
}

// SyncAndInstall runs the full per-Secondary sequence spec.md §4.7
// describes: bring Root versions current, deliver the metadata bundle,
// stream firmware, install, then collect the Secondary's own signed
// manifest (spec.md §3: a device manifest wraps each ECU's own signed
// statement, not the Primary's view of it).
func (m *Manager) SyncAndInstall(ctx context.Context, ecuSerial string, latestRoot func(metadata.RepositoryType) (version int, load func(int) ([]byte, error)), bundle MetaBundle, target metadata.TargetFile, firmware io.Reader) (InstallResult, []byte, error) {
	sec, ok := m.secondaries[ecuSerial]
	if !ok {
		return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: fmt.Errorf("no live handle attached")}
	}

	if _, err := sec.GetVersion(ctx); err != nil {
		return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: err}
	}

	for _, repoType := range []metadata.RepositoryType{metadata.Director, metadata.Image} {
		latest, load := latestRoot(repoType)
		current, err := sec.GetRootVersion(ctx, repoType)
		if err != nil {
			return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: err}
		}
		for v := current + 1; v <= latest; v++ {
			raw, err := load(v)
			if err != nil {
				return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: err}
			}
			if err := sec.PutRoot(ctx, repoType, raw); err != nil {
				return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrSignatureRejected, Wrapped: err}
			}
		}
	}

	if err := sec.PutMeta(ctx, bundle); err != nil {
		return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrSignatureRejected, Wrapped: err}
	}
	if err := sec.SendFirmware(ctx, target, firmware); err != nil {
		return "", nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: err}
	}
	result, err := sec.Install(ctx, target)
	if err != nil {
		return result, nil, err
	}

	manifest, err := sec.GetManifest(ctx)
	if err != nil {
		return result, nil, &Error{EcuSerial: ecuSerial, Kind: ErrUnreachable, Wrapped: err}
	}
	return result, manifest, nil
}
