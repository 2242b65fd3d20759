package orchestrator

import (
	"context"
	"fmt"

	"github.com/uptane-go/primary/pkg/uptane/metadata"
	"github.com/uptane-go/primary/pkg/uptane/repo"
)

// Assignment pairs one Director-declared target with the ECU it targets
// and the Image repository's authoritative copy of its metadata.
type Assignment struct {
	Name      string
	EcuSerial string
	Target    metadata.TargetFile
}

// ErrTargetMismatch is returned when a name resolves in the Image
// repository but its length/hashes disagree with the Director's entry
// (spec.md §4.6's target resolution rule).
type ErrTargetMismatch struct {
	Name string
}

func (e *ErrTargetMismatch) Error() string {
	return fmt.Sprintf("orchestrator: target %q mismatches between director and image repositories", e.Name)
}

// resolveTargets implements spec.md §4.6's target resolution: every
// Director entry with an ECU assignment must resolve, byte-for-byte, to
// the same name in the Image repository (or its delegation tree).
// Unknown or unauthorized targets are dropped, not fatal.
func resolveTargets(ctx context.Context, imageEngine *repo.Engine, imageSnap *metadata.Snapshot, imageTop *metadata.Targets, directorTargets *metadata.Targets) ([]Assignment, error) {
	var out []Assignment
	for name, dirFile := range directorTargets.Targets {
		custom := dirFile.ParsedCustom()
		if custom.EcuSerial == "" {
			continue // no ECU assignment: nothing to install, not an error
		}

		imgFile, found, err := imageEngine.ResolveTarget(ctx, imageSnap, imageTop, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue // unknown/unauthorized: logged by the caller, not fatal
		}

		if imgFile.Length != dirFile.Length || !hashesMatch(imgFile.Hashes, dirFile.Hashes) {
			return nil, &ErrTargetMismatch{Name: name}
		}

		out = append(out, Assignment{Name: name, EcuSerial: custom.EcuSerial, Target: *imgFile})
	}
	return out, nil
}

func hashesMatch(a, b map[string]string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for algo, want := range b {
		got, ok := a[algo]
		if !ok || got != want {
			return false
		}
	}
	return true
}
