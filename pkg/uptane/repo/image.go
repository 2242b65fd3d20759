package repo

import (
	"context"

	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// ImageState holds the Image repository's in-memory verified view,
// synthesized from the Store per spec.md §3 ownership rules.
type ImageState struct {
	Timestamp *metadata.Timestamp
	Snapshot  *metadata.Snapshot
	Targets   *metadata.Targets
}

// UpdateMetaImage runs the Image repository's refresh sequence: root
// rotation, then Timestamp -> Snapshot -> Targets, each verified before
// being persisted (spec.md §4.4).
func (e *Engine) UpdateMetaImage(ctx context.Context) (*ImageState, Result) {
	if err := e.UpdateRoot(ctx); err != nil {
		return nil, Result{State: Failed, Err: err}
	}

	ts, err := e.refreshTimestamp(ctx)
	if err != nil {
		return nil, Result{State: Failed, Err: err}
	}

	snap, err := e.refreshSnapshot(ctx, ts)
	if err != nil {
		return nil, Result{State: Failed, Err: err}
	}

	targets, err := e.refreshTargets(ctx, snap)
	if err != nil {
		return nil, Result{State: Failed, Err: err}
	}

	return &ImageState{Timestamp: ts, Snapshot: snap, Targets: targets}, Result{State: Ready}
}

func (e *Engine) refreshTimestamp(ctx context.Context) (*metadata.Timestamp, error) {
	raw, err := e.Fetcher.Get(ctx, e.url("timestamp.json"), timestampSizeCap)
	if err != nil {
		return nil, metaErr(metadata.ErrParse, "timestamp", err)
	}

	localRaw, lerr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTimestamp)
	var localVersion int
	haveLocal := lerr == nil
	if haveLocal {
		if localVersion, err = rawVersion(localRaw); err != nil {
			haveLocal = false
		}
	}

	ts, err := metadata.ParseTimestamp(raw, e.root, e.Now)
	if err != nil {
		return nil, err
	}

	if haveLocal && ts.Version < localVersion {
		return nil, metaErr(metadata.ErrRollbackAttempt, "timestamp", nil)
	}

	changed := !haveLocal || ts.Version != localVersion || string(raw) != string(localRaw)
	if changed {
		if err := e.Store.StoreNonRoot(ctx, e.RepoType, metadata.RoleTimestamp, raw); err != nil {
			return nil, &store.Error{Op: "StoreNonRoot(timestamp)", Wrapped: err}
		}
	}
	return ts, nil
}

func (e *Engine) refreshSnapshot(ctx context.Context, ts *metadata.Timestamp) (*metadata.Snapshot, error) {
	localRaw, lerr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleSnapshot)
	if lerr == nil {
		if cached, err := metadata.ParseSnapshot(localRaw, e.root, ts, e.Now); err == nil {
			if wantVersion, ok := ts.SnapshotVersion(); ok && cached.Version == wantVersion {
				return cached, nil // stored copy still matches timestamp and is unexpired
			}
		} else {
			wantVersion, _ := ts.SnapshotVersion()
			e.logHashMismatch(ctx, "snapshot", wantVersion, lerr, err)
		}
	}

	size := int64(defaultRoleCap)
	if meta, ok := ts.Meta["snapshot.json"]; ok && meta.Length > 0 {
		size = meta.Length
	}
	raw, err := e.Fetcher.Get(ctx, e.url("snapshot.json"), size)
	if err != nil {
		return nil, metaErr(metadata.ErrParse, "snapshot", err)
	}

	if lerr == nil {
		if localVersion, verr := rawVersion(localRaw); verr == nil {
			if newVersion, _ := rawVersion(raw); newVersion < localVersion {
				return nil, metaErr(metadata.ErrRollbackAttempt, "snapshot", nil)
			}
		}
	}

	snap, err := metadata.ParseSnapshot(raw, e.root, ts, e.Now)
	if err != nil {
		return nil, err
	}
	if err := e.Store.StoreNonRoot(ctx, e.RepoType, metadata.RoleSnapshot, raw); err != nil {
		return nil, &store.Error{Op: "StoreNonRoot(snapshot)", Wrapped: err}
	}
	return snap, nil
}

func (e *Engine) refreshTargets(ctx context.Context, snap *metadata.Snapshot) (*metadata.Targets, error) {
	localRaw, lerr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTargets)

	raw, err := e.Fetcher.Get(ctx, e.url("targets.json"), defaultRoleCap)
	if err != nil {
		return nil, metaErr(metadata.ErrParse, "targets", err)
	}

	if lerr == nil {
		if localVersion, verr := rawVersion(localRaw); verr == nil {
			if newVersion, _ := rawVersion(raw); newVersion < localVersion {
				return nil, metaErr(metadata.ErrRollbackAttempt, "targets", nil)
			}
		}
	}

	targets, err := metadata.ParseTargets(raw, e.root, snap, e.Now)
	if err != nil {
		return nil, err
	}
	if err := e.Store.StoreNonRoot(ctx, e.RepoType, metadata.RoleTargets, raw); err != nil {
		return nil, &store.Error{Op: "StoreNonRoot(targets)", Wrapped: err}
	}
	return targets, nil
}

// logHashMismatch distinguishes, for diagnostics only, an "expected"
// re-verification failure (the Timestamp already declares a newer version
// than what's cached, so upstream legitimately moved on) from an
// "unexpected" one (the cached version is still what the Timestamp
// declares, yet it failed to re-verify anyway), per spec.md §4.4's "Policy
// detail: hash-mismatch severity." Verification still fails either way;
// this only affects the log level, since the former is routine staleness
// and the latter is attack-indicative.
func (e *Engine) logHashMismatch(ctx context.Context, role string, wantVersion int, loadErr, verifyErr error) {
	localRaw, err := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleName(role))
	if err != nil {
		return
	}
	localVersion, _ := rawVersion(localRaw)

	fields := []zap.Field{
		zap.String("repo", string(e.RepoType)), zap.String("role", role),
		zap.Int("local_version", localVersion), zap.Int("want_version", wantVersion),
		zap.Error(verifyErr),
	}
	if wantVersion > localVersion {
		e.Log.Debug("re-verification of cached metadata failed, will re-fetch", fields...)
	} else {
		e.Log.Error("re-verification of cached metadata failed despite no expected version change", fields...)
	}
	_ = loadErr
}
