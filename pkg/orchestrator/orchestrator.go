// Package orchestrator implements the Primary's single-shot update API
// (spec.md §4.6): sendDeviceData, fetchMeta, downloadImages, uptaneInstall,
// putManifest, completeInstall. The caller drives these as one
// single-threaded command queue (spec.md §5) — Orchestrator serializes
// them itself so concurrent callers cannot interleave Store mutations
// within a command.
package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/keymanager"
	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
	"github.com/uptane-go/primary/pkg/uptane/repo"
)

// Config carries the orchestrator's filesystem/network configuration.
type Config struct {
	StagingDir  string
	InstallDir  string
	SentinelDir string

	DirectorBaseURL  string
	ImageBaseURL     string
	TLSServerBaseURL string
}

// FetchResult is fetchMeta's outcome, per spec.md §4.6.
type FetchResult string

const (
	UpdatesAvailable   FetchResult = "UpdatesAvailable"
	NoUpdatesAvailable FetchResult = "NoUpdatesAvailable"
	FetchError         FetchResult = "Error"
)

// Orchestrator holds one update cycle's collaborators. Every exported
// method acquires cmdMu, implementing spec.md §5's single-threaded
// command queue: each call runs to completion before the next begins.
type Orchestrator struct {
	director *repo.Engine
	image    *repo.Engine

	store       store.Store
	fetcher     fetcher.Fetcher
	keymanager  *keymanager.Manager
	secondaries *secondary.Manager
	backend     Backend
	log         *zap.Logger

	cfg              Config
	directorBaseURL  string
	imageBaseURL     string
	tlsServerBaseURL string

	cmdMu sync.Mutex

	lastMetaBundle secondary.MetaBundle
}

// New builds an Orchestrator. log defaults to a no-op logger.
func New(director, image *repo.Engine, st store.Store, f fetcher.Fetcher, km *keymanager.Manager, secondaries *secondary.Manager, backend Backend, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		director:         director,
		image:            image,
		store:            st,
		fetcher:          f,
		keymanager:       km,
		secondaries:      secondaries,
		backend:          backend,
		log:              log,
		cfg:              cfg,
		directorBaseURL:  cfg.DirectorBaseURL,
		imageBaseURL:     cfg.ImageBaseURL,
		tlsServerBaseURL: cfg.TLSServerBaseURL,
	}
}

// FetchOutcome is fetchMeta's full result: the classification plus any
// resolved assignments ready for downloadImages.
type FetchOutcome struct {
	Result      FetchResult
	Assignments []Assignment
	Err         error
}

// fetchMeta runs updateMeta on Director then Image and, if both succeed,
// resolves targets (spec.md §4.6).
func (o *Orchestrator) FetchMeta(ctx context.Context) FetchOutcome {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	dirState, dirResult := o.director.UpdateMetaDirector(ctx)
	if dirResult.Err != nil {
		return FetchOutcome{Result: FetchError, Err: dirResult.Err}
	}

	imgState, imgResult := o.image.UpdateMetaImage(ctx)
	if imgResult.Err != nil {
		return FetchOutcome{Result: FetchError, Err: imgResult.Err}
	}

	assignments, err := resolveTargets(ctx, o.image, imgState.Snapshot, imgState.Targets, dirState.Targets)
	if err != nil {
		return FetchOutcome{Result: FetchError, Err: err}
	}

	o.lastMetaBundle = o.buildMetaBundle()

	if len(assignments) == 0 {
		return FetchOutcome{Result: NoUpdatesAvailable}
	}
	return FetchOutcome{Result: UpdatesAvailable, Assignments: assignments}
}

func (o *Orchestrator) buildMetaBundle() secondary.MetaBundle {
	bundle := secondary.MetaBundle{}
	addRaw := func(repoType metadata.RepositoryType, role metadata.RoleName) {
		var raw []byte
		var err error
		if role == metadata.RoleRoot {
			raw, _, err = o.store.LoadLatestRoot(context.Background(), repoType)
		} else {
			raw, err = o.store.LoadNonRoot(context.Background(), repoType, role)
		}
		if err == nil {
			bundle[secondary.BundleKey{Repo: repoType, Role: role}] = raw
		}
	}
	addRaw(metadata.Director, metadata.RoleRoot)
	addRaw(metadata.Director, metadata.RoleTargets)
	addRaw(metadata.Image, metadata.RoleRoot)
	addRaw(metadata.Image, metadata.RoleTimestamp)
	addRaw(metadata.Image, metadata.RoleSnapshot)
	addRaw(metadata.Image, metadata.RoleTargets)
	return bundle
}

// latestRootLoader builds the (version, loader) pair SyncAndInstall uses
// to bring a Secondary's Root chain current.
func (o *Orchestrator) latestRootLoader(repoType metadata.RepositoryType) (int, func(int) ([]byte, error)) {
	_, version, err := o.store.LoadLatestRoot(context.Background(), repoType)
	if err != nil {
		version = 0
	}
	return version, func(v int) ([]byte, error) {
		return o.store.LoadRoot(context.Background(), repoType, v)
	}
}

// DownloadImages implements spec.md §4.6's downloadImages command.
func (o *Orchestrator) DownloadImages(ctx context.Context, assignments []Assignment, flow *FlowControlToken) []DownloadResult {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.downloadImages(ctx, assignments, flow)
}

// UptaneInstall implements spec.md §4.6's uptaneInstall command.
func (o *Orchestrator) UptaneInstall(ctx context.Context, primaryEcu string, downloads []DownloadResult) ([]FanoutResult, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.uptaneInstall(ctx, primaryEcu, downloads)
}

// PutManifest implements spec.md §4.6's putManifest command.
func (o *Orchestrator) PutManifest(ctx context.Context, primaryEcu string, results []FanoutResult, secondaryErrors map[string]string) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.putManifest(ctx, primaryEcu, results, secondaryErrors)
}

// SendDeviceData implements spec.md §4.6's sendDeviceData command.
func (o *Orchestrator) SendDeviceData(ctx context.Context) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.sendDeviceData(ctx)
}

// CompleteInstall implements spec.md §4.6's finalizeAfterReboot /
// completeInstall path. It must be invoked before any other command on
// the first call after a boot.
func (o *Orchestrator) CompleteInstall(ctx context.Context, primaryEcu string) (InstallResult, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.completeInstall(ctx, primaryEcu)
}
