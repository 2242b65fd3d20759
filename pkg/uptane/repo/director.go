package repo

import (
	"context"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// DirectorState holds the Director repository's in-memory verified view.
type DirectorState struct {
	Targets *metadata.Targets
}

// UpdateMetaDirector runs the Director repository's refresh sequence: root
// rotation, then Targets only (no Timestamp/Snapshot in this trust chain),
// per spec.md §4.4.
func (e *Engine) UpdateMetaDirector(ctx context.Context) (*DirectorState, Result) {
	if err := e.UpdateRoot(ctx); err != nil {
		return nil, Result{State: Failed, Err: err}
	}

	localRaw, lerr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTargets)

	raw, err := e.Fetcher.Get(ctx, e.url("targets.json"), defaultRoleCap)
	if err != nil {
		return nil, Result{State: Failed, Err: metaErr(metadata.ErrParse, "targets", err)}
	}

	if lerr == nil {
		if localVersion, verr := rawVersion(localRaw); verr == nil {
			if newVersion, _ := rawVersion(raw); newVersion < localVersion {
				return nil, Result{State: Failed, Err: metaErr(metadata.ErrRollbackAttempt, "targets", nil)}
			}
		}
	}

	targets, err := metadata.ParseTargets(raw, e.root, nil, e.Now)
	if err != nil {
		return nil, Result{State: Failed, Err: err}
	}
	if err := e.Store.StoreNonRoot(ctx, e.RepoType, metadata.RoleTargets, raw); err != nil {
		return nil, Result{State: Failed, Err: &store.Error{Op: "StoreNonRoot(director targets)", Wrapped: err}}
	}

	return &DirectorState{Targets: targets}, Result{State: Ready}
}

// CheckMetaOffline re-derives the repository's verified state entirely
// from the Store, without network access (spec.md §4.4). It is used after
// a reboot or whenever the orchestrator needs a consistent in-memory view
// before deciding whether a fresh fetch is needed.
func (e *Engine) CheckMetaOffline(ctx context.Context) (Result, *metadata.Root, *metadata.Timestamp, *metadata.Snapshot, *metadata.Targets) {
	rootRaw, _, err := e.Store.LoadLatestRoot(ctx, e.RepoType)
	if err != nil {
		return Result{State: NeedsFetch, Err: err}, nil, nil, nil, nil
	}
	root, _, err := metadata.ParseRoot(rootRaw)
	if err != nil {
		return Result{State: Failed, Err: err}, nil, nil, nil, nil
	}
	if e.Now().After(root.Expires) {
		return Result{State: Failed, Err: metaErr(metadata.ErrExpiredMetadata, "root", nil)}, nil, nil, nil, nil
	}
	e.root = root

	if e.RepoType == metadata.Director {
		raw, err := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTargets)
		if err != nil {
			return Result{State: NeedsFetch}, root, nil, nil, nil
		}
		targets, err := metadata.ParseTargets(raw, root, nil, e.Now)
		if err != nil {
			return Result{State: Failed, Err: err}, root, nil, nil, nil
		}
		return Result{State: Ready}, root, nil, nil, targets
	}

	tsRaw, terr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTimestamp)
	if terr != nil {
		return Result{State: NeedsFetch}, root, nil, nil, nil
	}
	ts, err := metadata.ParseTimestamp(tsRaw, root, e.Now)
	if err != nil {
		return Result{State: Failed, Err: err}, root, nil, nil, nil
	}

	snapRaw, serr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleSnapshot)
	if serr != nil {
		return Result{State: NeedsFetch}, root, ts, nil, nil
	}
	snap, err := metadata.ParseSnapshot(snapRaw, root, ts, e.Now)
	if err != nil {
		return Result{State: Failed, Err: err}, root, ts, nil, nil
	}

	targetsRaw, xerr := e.Store.LoadNonRoot(ctx, e.RepoType, metadata.RoleTargets)
	if xerr != nil {
		return Result{State: NeedsFetch}, root, ts, snap, nil
	}
	targets, err := metadata.ParseTargets(targetsRaw, root, snap, e.Now)
	if err != nil {
		return Result{State: Failed, Err: err}, root, ts, snap, nil
	}
	return Result{State: Ready}, root, ts, snap, targets
}
