package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptane-go/primary/pkg/store"
)

type installedEntry struct {
	EcuSerial string                  `json:"ecu_serial"`
	Current   *store.InstalledVersion `json:"current,omitempty"`
	Pending   *store.InstalledVersion `json:"pending,omitempty"`

	// SignedManifest is the ECU's own manifest statement, signed with its
	// own key (spec.md §3: "signed statement from one ECU"). Populated for
	// every Secondary that installed successfully, with the bytes its
	// GetManifest returned (for the Virtual Secondary, unsigned Director
	// Targets metadata); the Primary has no
	// separate sub-manifest of its own, since the device manifest envelope
	// as a whole is already signed with the Primary's key.
	SignedManifest json.RawMessage `json:"signed_manifest,omitempty"`
}

type deviceManifest struct {
	PrimaryEcuSerial string            `json:"primary_ecu_serial"`
	Ecus             []installedEntry  `json:"ecus"`
	SecondaryErrors  map[string]string `json:"secondary_errors,omitempty"`
}

// putManifest collects the installed-version rows of each ECU listed in
// results and, for Secondaries, the signed manifest gathered from the ECU
// itself during uptaneInstall. ECUs that do not appear in results are not
// listed in the device manifest. The whole set is wrapped in a signed
// device manifest and PUT to the Director (spec.md §6).
func (o *Orchestrator) putManifest(ctx context.Context, primaryEcu string, results []FanoutResult, secondaryErrors map[string]string) error {
	manifest := deviceManifest{PrimaryEcuSerial: primaryEcu, SecondaryErrors: secondaryErrors}
	for _, r := range results {
		current, pending, err := o.store.LoadInstalledVersions(ctx, r.EcuSerial)
		if err != nil && err != store.ErrNotFound {
			return &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
		}
		entry := installedEntry{EcuSerial: r.EcuSerial, Current: current, Pending: pending}
		if r.EcuSerial != primaryEcu && len(r.RawManifest) > 0 {
			entry.SignedManifest = json.RawMessage(r.RawManifest)
		}
		manifest.Ecus = append(manifest.Ecus, entry)
	}

	envelope, err := o.keymanager.UptaneSign(ctx, manifest)
	if err != nil {
		return fmt.Errorf("orchestrator: sign manifest: %w", err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal manifest envelope: %w", err)
	}

	if _, err := o.fetcher.Put(ctx, o.directorBaseURL+"/manifest", "application/json", body); err != nil {
		return fmt.Errorf("orchestrator: put manifest: %w", err)
	}
	return nil
}
