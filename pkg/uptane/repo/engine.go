// Package repo implements the per-repository Uptane state machine
// (spec.md §4.4): root rotation shared between the Director and Image
// repositories, and each repository's role-specific refresh sequence.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// MaxRotations caps root-rotation iterations per updateRoot call, per
// spec.md §4.4.
const MaxRotations = 1000

const (
	timestampSizeCap = 16 * 1024
	defaultRoleCap   = 32 * 1024 * 1024
)

// State is the termination state of one repository's metadata machine.
type State int

const (
	Ready State = iota
	NeedsFetch
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case NeedsFetch:
		return "NeedsFetch"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Result reports the outcome of an updateMeta call.
type Result struct {
	State State
	Err   error
}

// Engine drives one repository's (Director or Image) metadata state
// machine. Director and Image are two instances of the same type tagged
// by RepoType, per spec.md §9's "tagged discriminant, not base class"
// design note.
type Engine struct {
	RepoType metadata.RepositoryType
	BaseURL  string

	Store   store.Store
	Fetcher fetcher.Fetcher
	Now     func() time.Time
	Log     *zap.Logger

	delegationCache *lru.Cache // (repo,name,version) -> *metadata.Targets

	root *metadata.Root
}

// New builds an Engine. now defaults to time.Now; log defaults to a no-op
// logger.
func New(repoType metadata.RepositoryType, baseURL string, st store.Store, f fetcher.Fetcher, now func() time.Time, log *zap.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, _ := lru.New(64)
	return &Engine{
		RepoType:        repoType,
		BaseURL:         baseURL,
		Store:           st,
		Fetcher:         f,
		Now:             now,
		Log:             log,
		delegationCache: cache,
	}
}

// Root returns the currently trusted Root, if any update has succeeded.
func (e *Engine) Root() *metadata.Root { return e.root }

func (e *Engine) url(path string) string {
	return e.BaseURL + "/" + path
}

// rawVersion peeks at a stored, previously-verified envelope's version
// without re-checking signatures — the local copy is trusted because it
// was only ever persisted after a successful verification.
func rawVersion(raw []byte) (int, error) {
	var env struct {
		Signed json.RawMessage `json:"signed"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, err
	}
	var v struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(env.Signed, &v); err != nil {
		return 0, err
	}
	return v.Version, nil
}

// UpdateRoot implements the shared root-rotation sequence: bootstrap from
// version 1 if no local Root exists, then iteratively fetch and verify
// N+1 until the server runs out of versions, capped at MaxRotations.
func (e *Engine) UpdateRoot(ctx context.Context) error {
	current, version, err := e.loadOrBootstrapRoot(ctx)
	if err != nil {
		return err
	}

	for i := 0; i < MaxRotations; i++ {
		nextVersion := version + 1
		raw, ferr := e.Fetcher.Get(ctx, e.url(fmt.Sprintf("%d.root.json", nextVersion)), defaultRoleCap)
		if ferr != nil {
			if isNotFoundOrTimeout(ferr) {
				break
			}
			return metaErr(metadata.ErrRootRotationGap, "root", ferr)
		}

		// Must be signed by threshold under the CURRENT (N) keys...
		if _, err := metadata.VerifyRootAgainst(raw, current); err != nil {
			return err
		}
		// ...and by threshold under its OWN (N+1) keys.
		candidate, _, err := metadata.ParseRoot(raw)
		if err != nil {
			return err
		}
		if candidate.Version != nextVersion {
			return metaErr(metadata.ErrVersionMismatch, "root", fmt.Errorf("got version %d want %d", candidate.Version, nextVersion))
		}

		if err := e.Store.StoreRoot(ctx, e.RepoType, candidate.Version, raw); err != nil {
			return &store.Error{Op: "StoreRoot", Wrapped: err}
		}
		if err := e.Store.ClearNonRoot(ctx, e.RepoType); err != nil {
			return &store.Error{Op: "ClearNonRoot", Wrapped: err}
		}

		current = candidate
		version = candidate.Version
		e.Log.Info("root rotated", zap.String("repo", string(e.RepoType)), zap.Int("version", version))
	}

	if e.Now().After(current.Expires) {
		return metaErr(metadata.ErrExpiredMetadata, "root", fmt.Errorf("root v%d expired at %s", current.Version, current.Expires))
	}
	e.root = current
	return nil
}

func (e *Engine) loadOrBootstrapRoot(ctx context.Context) (*metadata.Root, int, error) {
	raw, version, err := e.Store.LoadLatestRoot(ctx, e.RepoType)
	if err == nil {
		root, _, perr := metadata.ParseRoot(raw)
		if perr != nil {
			return nil, 0, perr
		}
		return root, version, nil
	}
	if err != store.ErrNotFound {
		return nil, 0, &store.Error{Op: "LoadLatestRoot", Wrapped: err}
	}

	raw, ferr := e.Fetcher.Get(ctx, e.url("1.root.json"), defaultRoleCap)
	if ferr != nil {
		return nil, 0, metaErr(metadata.ErrParse, "root", ferr)
	}
	root, _, perr := metadata.ParseRoot(raw) // self-verified: the bootstrap anchor trusts itself
	if perr != nil {
		return nil, 0, perr
	}
	if root.Version != 1 {
		return nil, 0, metaErr(metadata.ErrVersionMismatch, "root", fmt.Errorf("bootstrap root has version %d", root.Version))
	}
	if err := e.Store.StoreRoot(ctx, e.RepoType, 1, raw); err != nil {
		return nil, 0, &store.Error{Op: "StoreRoot", Wrapped: err}
	}
	return root, 1, nil
}

func isNotFoundOrTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if herr, ok := err.(*fetcher.Error); ok {
		if herr.StatusCode == 404 {
			return true
		}
		return herr.TransportCode == "transport" && strings.Contains(strings.ToLower(herr.Message), "timeout")
	}
	return false
}

func metaErr(kind metadata.ErrorKind, role string, wrapped error) error {
	return &metadata.Error{Kind: kind, Role: role, Wrapped: wrapped}
}
