package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/store/memstore"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

func TestFilesystemBackendInstallThenFinalize(t *testing.T) {
	dir := t.TempDir()
	b := &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")}

	staged := filepath.Join(dir, "staged.bin")
	require.NoError(t, os.WriteFile(staged, []byte("firmware"), 0o600))

	result, err := b.Install(context.Background(), staged, metadata.TargetFile{Length: 8})
	require.NoError(t, err)
	require.Equal(t, InstallNeedCompletion, result)
	require.FileExists(t, filepath.Join(b.SentinelDir, "reboot-required"))

	result, err = b.FinalizeInstall(context.Background())
	require.NoError(t, err)
	require.Equal(t, InstallOk, result)
	require.NoFileExists(t, filepath.Join(b.SentinelDir, "reboot-required"))
}

func TestCompleteInstallIsNoopWithoutPending(t *testing.T) {
	st := memstore.New()
	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	result, err := o.completeInstall(context.Background(), "ecu-1")
	require.NoError(t, err)
	require.Equal(t, InstallOk, result)
}

func TestCompleteInstallPromotesPendingToCurrent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	target := metadata.TargetFile{Length: 8}
	require.NoError(t, st.SaveInstalledVersion(ctx, "ecu-1", store.InstalledVersion{Target: target, Mode: store.Pending}))

	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	result, err := o.completeInstall(ctx, "ecu-1")
	require.NoError(t, err)
	require.Equal(t, InstallOk, result)

	current, pending, err := st.LoadInstalledVersions(ctx, "ecu-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, store.Current, current.Mode)
	require.Nil(t, pending)
}

func TestUptaneInstallMarksNonOkDownloadsAsDownloadFailed(t *testing.T) {
	st := memstore.New()
	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	downloads := []DownloadResult{{
		Assignment: Assignment{Name: "firmware.bin", EcuSerial: "ecu-1"},
		Outcome:    DownloadVerificationFail,
	}}

	results, err := o.uptaneInstall(context.Background(), "ecu-1", downloads)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, InstallDownloadFailed, results[0].Result)
}

func TestUptaneInstallInstallsPrimaryAssignment(t *testing.T) {
	st := memstore.New()
	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	staged := filepath.Join(dir, "staged.bin")
	require.NoError(t, os.WriteFile(staged, []byte("firmware"), 0o600))

	downloads := []DownloadResult{{
		Assignment:  Assignment{Name: "firmware.bin", EcuSerial: "ecu-1", Target: metadata.TargetFile{Length: 8}},
		Outcome:     DownloadOk,
		StagingPath: staged,
	}}

	results, err := o.uptaneInstall(context.Background(), "ecu-1", downloads)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, InstallNeedCompletion, results[0].Result)

	_, pending, err := st.LoadInstalledVersions(context.Background(), "ecu-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
}

func TestUptaneInstallSkipsTargetAlreadyCurrent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	target := metadata.TargetFile{Length: 8, Hashes: map[string]string{"sha256": "abc"}}
	require.NoError(t, st.SaveInstalledVersion(ctx, "ecu-1", store.InstalledVersion{Target: target, Mode: store.Current}))

	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	staged := filepath.Join(dir, "staged.bin")
	require.NoError(t, os.WriteFile(staged, []byte("firmware"), 0o600))

	downloads := []DownloadResult{{
		Assignment:  Assignment{Name: "firmware.bin", EcuSerial: "ecu-1", Target: target},
		Outcome:     DownloadOk,
		StagingPath: staged,
	}}

	results, err := o.uptaneInstall(ctx, "ecu-1", downloads)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, InstallAlreadyProcessed, results[0].Result)
	require.FileExists(t, staged, "an already-processed target must not be installed, leaving the staged file untouched")
}

func TestUptaneInstallSkipsSecondaryTargetAlreadyCurrent(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	target := metadata.TargetFile{Length: 8, Hashes: map[string]string{"sha256": "abc"}}
	require.NoError(t, st.SaveInstalledVersion(ctx, "ecu-2", store.InstalledVersion{Target: target, Mode: store.Current}))

	dir := t.TempDir()
	o := &Orchestrator{
		store:   st,
		backend: &FilesystemBackend{InstallDir: filepath.Join(dir, "install"), SentinelDir: filepath.Join(dir, "sentinel")},
		log:     nopLogger(),
	}

	downloads := []DownloadResult{{
		Assignment: Assignment{Name: "firmware.bin", EcuSerial: "ecu-2", Target: target},
		Outcome:    DownloadOk,
	}}

	results, err := o.uptaneInstall(ctx, "ecu-1", downloads)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, InstallAlreadyProcessed, results[0].Result)
}
