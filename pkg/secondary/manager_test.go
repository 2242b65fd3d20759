package secondary

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/store/memstore"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

func TestInitializePersistsDeclaredSecondaryEvenWhenUnreachable(t *testing.T) {
	st := memstore.New()
	m := New(st, nil)
	ctx := context.Background()

	// no live handle is Attach()ed: the declared Secondary is unreachable.
	declared := []DeclaredSecondary{{
		EcuSerial: "ecu-sec-1",
		Type:      IP,
		IP:        "127.0.0.1",
		Port:      9061,
	}}
	require.NoError(t, m.Initialize(ctx, declared))

	infos, err := st.LoadSecondariesInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "ecu-sec-1", infos[0].EcuSerial)
	require.Equal(t, store.SecondaryIP, infos[0].Type)
	require.Equal(t, "127.0.0.1", infos[0].Extra["ip"])
	require.Equal(t, float64(9061), infos[0].Extra["port"])
	require.Equal(t, "Full", infos[0].Extra["verification_type"])
}

func TestInitializeLeavesExistingRowsUntouched(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.StoreSecondaryInfo(ctx, store.SecondaryInfo{
		EcuSerial: "ecu-sec-1",
		Type:      store.SecondaryIP,
		Extra:     map[string]interface{}{"ip": "10.0.0.5", "port": float64(7000), "verification_type": "TufOnly"},
	}))

	m := New(st, nil)
	require.NoError(t, m.Initialize(ctx, []DeclaredSecondary{{EcuSerial: "ecu-sec-1", Type: IP, IP: "127.0.0.1", Port: 9061}}))

	infos, err := st.LoadSecondariesInfo(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, "10.0.0.5", infos[0].Extra["ip"])
}

func TestSyncAndInstallFailsFastWhenNoHandleAttached(t *testing.T) {
	st := memstore.New()
	m := New(st, nil)

	_, _, err := m.SyncAndInstall(context.Background(), "ecu-missing", nil, nil, metadata.TargetFile{}, nil)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrUnreachable, serr.Kind)
}
