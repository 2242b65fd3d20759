package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadLatestRootReturnsHighestVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreRoot(ctx, metadata.Director, 1, []byte("root-v1")))
	require.NoError(t, s.StoreRoot(ctx, metadata.Director, 2, []byte("root-v2")))
	require.NoError(t, s.StoreRoot(ctx, metadata.Director, 3, []byte("root-v3")))

	raw, version, err := s.LoadLatestRoot(ctx, metadata.Director)
	require.NoError(t, err)
	require.Equal(t, 3, version)
	require.Equal(t, []byte("root-v3"), raw)

	raw, err = s.LoadRoot(ctx, metadata.Director, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("root-v1"), raw)
}

func TestLoadLatestRootNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.LoadLatestRoot(context.Background(), metadata.Image)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClearNonRootRemovesOnlyThatRepo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreNonRoot(ctx, metadata.Director, metadata.RoleTargets, []byte("d-targets")))
	require.NoError(t, s.StoreNonRoot(ctx, metadata.Image, metadata.RoleTargets, []byte("i-targets")))

	require.NoError(t, s.ClearNonRoot(ctx, metadata.Director))

	_, err := s.LoadNonRoot(ctx, metadata.Director, metadata.RoleTargets)
	require.ErrorIs(t, err, store.ErrNotFound)

	raw, err := s.LoadNonRoot(ctx, metadata.Image, metadata.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, []byte("i-targets"), raw)
}

func TestTLSCredsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	creds := store.TLSCredentials{CA: []byte("ca"), Cert: []byte("cert"), Key: []byte("key")}
	require.NoError(t, s.StoreTLSCreds(ctx, creds))

	got, err := s.LoadTLSCreds(ctx)
	require.NoError(t, err)
	require.Equal(t, creds, got)
}

func TestEcuSerialsReplacesWholeSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreEcuSerials(ctx, []store.EcuEntry{
		{EcuSerial: "primary-1", HardwareID: "hw-1", IsPrimary: true},
		{EcuSerial: "secondary-1", HardwareID: "hw-2"},
	}))

	got, err := s.LoadEcuSerials(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, s.StoreEcuSerials(ctx, []store.EcuEntry{
		{EcuSerial: "primary-1", HardwareID: "hw-1", IsPrimary: true},
	}))
	got, err = s.LoadEcuSerials(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestInstalledVersionsTracksCurrentAndPendingSeparately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveInstalledVersion(ctx, "ecu-1", store.InstalledVersion{
		Target: metadata.TargetFile{Length: 10}, Mode: store.Current,
	}))
	require.NoError(t, s.SaveInstalledVersion(ctx, "ecu-1", store.InstalledVersion{
		Target: metadata.TargetFile{Length: 20}, Mode: store.Pending,
	}))

	current, pending, err := s.LoadInstalledVersions(ctx, "ecu-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.NotNil(t, pending)
	require.Equal(t, int64(10), current.Target.Length)
	require.Equal(t, int64(20), pending.Target.Length)

	require.NoError(t, s.ClearPending(ctx, "ecu-1"))
	current, pending, err = s.LoadInstalledVersions(ctx, "ecu-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Nil(t, pending)
}

func TestSecondaryInfoDefaultsMissingVerificationType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecondaryInfo(ctx, store.SecondaryInfo{
		EcuSerial: "ecu-2",
		Type:      store.SecondaryIP,
		Extra:     map[string]interface{}{"ip": "127.0.0.1"},
	}))

	infos, err := s.LoadSecondariesInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "Full", infos[0].Extra["verification_type"])
}
