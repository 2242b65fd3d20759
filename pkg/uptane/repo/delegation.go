package repo

import (
	"context"
	"fmt"

	"github.com/ryanuber/go-glob"
	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

type delegationCacheKey struct {
	repo    metadata.RepositoryType
	name    string
	version int
}

// ResolveTarget looks up targetName in the Image repository's Targets,
// descending into delegations on demand (DFS, declaration order,
// terminating=true halts the search) until a match is found or the tree is
// exhausted. Matches against a delegation's path patterns use
// github.com/ryanuber/go-glob, the same glob family the retrieved corpus
// uses for path-pattern matching.
func (e *Engine) ResolveTarget(ctx context.Context, snap *metadata.Snapshot, top *metadata.Targets, targetName string) (*metadata.TargetFile, bool, error) {
	if tf, ok := top.Targets[targetName]; ok {
		return &tf, true, nil
	}
	if top.Delegations == nil {
		return nil, false, nil
	}
	return e.searchDelegations(ctx, snap, top.Delegations, targetName)
}

func (e *Engine) searchDelegations(ctx context.Context, snap *metadata.Snapshot, parent *metadata.Delegations, targetName string) (*metadata.TargetFile, bool, error) {
	for _, role := range parent.Roles {
		matched := false
		for _, pattern := range role.Paths {
			if glob.Glob(pattern, targetName) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		child, err := e.loadDelegatedTargets(ctx, snap, parent, role.Name)
		if err != nil {
			e.Log.Debug("delegation fetch/verify failed", zap.String("role", role.Name), zap.Error(err))
			if role.Terminating {
				return nil, false, nil
			}
			continue
		}

		if tf, ok := child.Targets[targetName]; ok {
			return &tf, true, nil
		}
		if child.Delegations != nil {
			if tf, found, err := e.searchDelegations(ctx, snap, child.Delegations, targetName); err == nil && found {
				return tf, true, nil
			}
		}
		if role.Terminating {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

func (e *Engine) loadDelegatedTargets(ctx context.Context, snap *metadata.Snapshot, parent *metadata.Delegations, name string) (*metadata.Targets, error) {
	var wantVersion int
	if snap != nil {
		if m, ok := snap.Meta[name+".json"]; ok {
			wantVersion = m.Version
		}
	}
	key := delegationCacheKey{repo: e.RepoType, name: name, version: wantVersion}
	if e.delegationCache != nil {
		if v, ok := e.delegationCache.Get(key); ok {
			return v.(*metadata.Targets), nil
		}
	}

	raw, err := e.Fetcher.Get(ctx, e.url(fmt.Sprintf("delegations/%s.json", name)), defaultRoleCap)
	if err != nil {
		return nil, metaErr(metadata.ErrParse, name, err)
	}
	targets, err := metadata.ParseDelegatedTargets(raw, name, parent, snap, e.Now)
	if err != nil {
		return nil, err
	}
	if e.delegationCache != nil {
		e.delegationCache.Add(key, targets)
	}
	return targets, nil
}
