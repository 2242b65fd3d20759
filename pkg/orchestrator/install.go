package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// InstallResult mirrors the Primary install() outcomes spec.md §4.6 names.
type InstallResult string

const (
	InstallOk               InstallResult = "Ok"
	InstallNeedCompletion   InstallResult = "NeedCompletion"
	InstallFailed           InstallResult = "InstallFailed"
	InstallAlreadyProcessed InstallResult = "AlreadyProcessed"
	InstallVerificationFail InstallResult = "VerificationFailed"
	InstallDownloadFailed   InstallResult = "DownloadFailed"
)

// Backend is the Primary-local install capability set from spec.md §9's
// design note, less fetch and verify, which download.go performs for every
// backend: {isTargetSupported, install, finalizeInstall, getCurrent}. The
// shipped backend is filesystem-based; others (e.g. OSTree) implement the
// same set.
type Backend interface {
	IsTargetSupported(target metadata.TargetFile) bool
	Install(ctx context.Context, stagingPath string, target metadata.TargetFile) (InstallResult, error)
	FinalizeInstall(ctx context.Context) (InstallResult, error)
	GetCurrent(ctx context.Context) (*metadata.TargetFile, error)
}

// FilesystemBackend "installs" a target by atomically renaming the
// staged file into InstallDir. NeedCompletion/finalizeInstall is modeled
// by a reboot sentinel file, matching spec.md §4.6's install/reboot flow.
type FilesystemBackend struct {
	InstallDir  string
	SentinelDir string
}

var _ Backend = (*FilesystemBackend)(nil)

func (b *FilesystemBackend) IsTargetSupported(metadata.TargetFile) bool { return true }

func (b *FilesystemBackend) Install(ctx context.Context, stagingPath string, target metadata.TargetFile) (InstallResult, error) {
	if err := os.MkdirAll(b.InstallDir, 0o755); err != nil {
		return InstallFailed, err
	}
	dest := filepath.Join(b.InstallDir, filepath.Base(stagingPath))
	if err := os.Rename(stagingPath, dest); err != nil {
		return InstallFailed, err
	}
	if err := os.MkdirAll(b.SentinelDir, 0o755); err != nil {
		return InstallFailed, err
	}
	sentinel := filepath.Join(b.SentinelDir, "reboot-required")
	if err := os.WriteFile(sentinel, []byte(dest), 0o600); err != nil {
		return InstallFailed, err
	}
	return InstallNeedCompletion, nil
}

func (b *FilesystemBackend) FinalizeInstall(ctx context.Context) (InstallResult, error) {
	sentinel := filepath.Join(b.SentinelDir, "reboot-required")
	if _, err := os.Stat(sentinel); os.IsNotExist(err) {
		return InstallOk, nil
	}
	if err := os.Remove(sentinel); err != nil {
		return InstallFailed, err
	}
	return InstallOk, nil
}

func (b *FilesystemBackend) GetCurrent(ctx context.Context) (*metadata.TargetFile, error) {
	return nil, nil
}

// FanoutResult is one ECU's outcome from uptaneInstall. RawManifest, when
// non-nil, is that ECU's own signed manifest statement (spec.md §3), to be
// folded into the device manifest putManifest reports instead of the
// Primary's secondhand view of the ECU's installed state.
type FanoutResult struct {
	EcuSerial   string
	Result      InstallResult
	Err         error
	RawManifest []byte
}

// uptaneInstall installs each successfully downloaded assignment in the
// order of downloads: the Primary's own through the backend, each
// Secondary's through the secondary manager. The installs run one after
// another in the calling goroutine, not concurrently; errors are aggregated
// with go-multierror and a failure does not stop the remaining installs.
func (o *Orchestrator) uptaneInstall(ctx context.Context, primaryEcu string, downloads []DownloadResult) ([]FanoutResult, error) {
	var results []FanoutResult
	var merr *multierror.Error

	for _, d := range downloads {
		if d.Outcome != DownloadOk {
			results = append(results, FanoutResult{EcuSerial: d.Assignment.EcuSerial, Result: InstallDownloadFailed, Err: d.Err})
			continue
		}

		already, err := o.isAlreadyInstalled(ctx, d.Assignment.EcuSerial, primaryEcu, d.Assignment.Target)
		if err != nil {
			merr = multierror.Append(merr, err)
		}
		if already {
			results = append(results, FanoutResult{EcuSerial: d.Assignment.EcuSerial, Result: InstallAlreadyProcessed})
			continue
		}

		if d.Assignment.EcuSerial == primaryEcu {
			result, err := o.backend.Install(ctx, d.StagingPath, d.Assignment.Target)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("primary install: %w", err))
			}
			if err := o.recordInstalled(ctx, primaryEcu, d.Assignment.Target, result); err != nil {
				merr = multierror.Append(merr, err)
			}
			results = append(results, FanoutResult{EcuSerial: primaryEcu, Result: result, Err: err})
			continue
		}

		result, manifest, err := o.installOnSecondary(ctx, d)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("secondary %s install: %w", d.Assignment.EcuSerial, err))
		}
		results = append(results, FanoutResult{EcuSerial: d.Assignment.EcuSerial, Result: result, Err: err, RawManifest: manifest})
	}

	return results, merr.ErrorOrNil()
}

func (o *Orchestrator) installOnSecondary(ctx context.Context, d DownloadResult) (InstallResult, []byte, error) {
	f, err := os.Open(d.StagingPath)
	if err != nil {
		return InstallFailed, nil, err
	}
	defer f.Close()

	result, manifest, err := o.secondaries.SyncAndInstall(ctx, d.Assignment.EcuSerial, o.latestRootLoader, o.lastMetaBundle, d.Assignment.Target, f)
	if err != nil {
		var serr *secondary.Error
		if ok := asSecondaryError(err, &serr); ok {
			return InstallFailed, nil, serr
		}
		return InstallFailed, nil, err
	}
	return InstallResult(result), manifest, o.recordInstalled(ctx, d.Assignment.EcuSerial, d.Assignment.Target, InstallResult(result))
}

func asSecondaryError(err error, target **secondary.Error) bool {
	se, ok := err.(*secondary.Error)
	if ok {
		*target = se
	}
	return ok
}

// isAlreadyInstalled implements spec.md §7's AlreadyProcessed outcome: the
// requested target equals the ECU's current installed state. For the
// Primary, the backend's own GetCurrent is authoritative when it reports
// one (spec.md §9's getCurrent capability); every ECU falls back to the
// Store's Current row, which is the only place a backend like
// FilesystemBackend that tracks no state of its own can be asked.
func (o *Orchestrator) isAlreadyInstalled(ctx context.Context, ecuSerial, primaryEcu string, target metadata.TargetFile) (bool, error) {
	if ecuSerial == primaryEcu {
		if cur, err := o.backend.GetCurrent(ctx); err == nil && cur != nil {
			return cur.Length == target.Length && hashesMatch(cur.Hashes, target.Hashes), nil
		}
	}

	current, _, err := o.store.LoadInstalledVersions(ctx, ecuSerial)
	if err != nil {
		return false, &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
	}
	if current == nil {
		return false, nil
	}
	return current.Target.Length == target.Length && hashesMatch(current.Target.Hashes, target.Hashes), nil
}

func (o *Orchestrator) recordInstalled(ctx context.Context, ecuSerial string, target metadata.TargetFile, result InstallResult) error {
	mode := store.Current
	if result == InstallNeedCompletion {
		mode = store.Pending
	}
	if result != InstallOk && result != InstallNeedCompletion {
		return nil
	}
	if err := o.store.SaveInstalledVersion(ctx, ecuSerial, store.InstalledVersion{Target: target, Mode: mode}); err != nil {
		return &store.Error{Op: "SaveInstalledVersion", Wrapped: err}
	}
	return nil
}

// completeInstall runs the reboot-completion path: it loads the Pending
// version, asks the backend to finalize, and promotes or clears the
// Pending row (spec.md §4.6).
func (o *Orchestrator) completeInstall(ctx context.Context, primaryEcu string) (InstallResult, error) {
	_, pending, err := o.store.LoadInstalledVersions(ctx, primaryEcu)
	if err != nil {
		return InstallFailed, &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
	}
	if pending == nil {
		return InstallOk, nil
	}

	result, err := o.backend.FinalizeInstall(ctx)
	if err != nil {
		o.log.Error("finalize install failed", zap.Error(err))
		if cerr := o.store.ClearPending(ctx, primaryEcu); cerr != nil {
			return InstallFailed, &store.Error{Op: "ClearPending", Wrapped: cerr}
		}
		return InstallFailed, err
	}

	promoted := *pending
	promoted.Mode = store.Current
	if err := o.store.SaveInstalledVersion(ctx, primaryEcu, promoted); err != nil {
		return InstallFailed, &store.Error{Op: "SaveInstalledVersion", Wrapped: err}
	}
	if err := o.store.ClearPending(ctx, primaryEcu); err != nil {
		return InstallFailed, &store.Error{Op: "ClearPending", Wrapped: err}
	}
	return result, nil
}
