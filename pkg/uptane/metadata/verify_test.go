package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	xcrypto "github.com/uptane-go/primary/pkg/crypto"
	"github.com/uptane-go/primary/internal/testutil"
)

func now() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }

func buildRoot(t *testing.T, rootKey, tsKey, snapKey, targetsKey testutil.KeyPair, version int) []byte {
	t.Helper()
	signed := map[string]interface{}{
		"_type":               "root",
		"spec_version":        "1.0.0",
		"version":             version,
		"expires":             testutil.FarFuture,
		"consistent_snapshot": false,
		"keys": map[string]interface{}{
			rootKey.ID:    rootKey.Public,
			tsKey.ID:      tsKey.Public,
			snapKey.ID:    snapKey.Public,
			targetsKey.ID: targetsKey.Public,
		},
		"roles": map[string]interface{}{
			"root":      map[string]interface{}{"keyids": []string{rootKey.ID}, "threshold": 1},
			"timestamp": map[string]interface{}{"keyids": []string{tsKey.ID}, "threshold": 1},
			"snapshot":  map[string]interface{}{"keyids": []string{snapKey.ID}, "threshold": 1},
			"targets":   map[string]interface{}{"keyids": []string{targetsKey.ID}, "threshold": 1},
		},
	}
	return testutil.Envelope(signed, rootKey)
}

func TestParseRootSelfVerifies(t *testing.T) {
	rootKey := testutil.NewKeyPair()
	tsKey := testutil.NewKeyPair()
	snapKey := testutil.NewKeyPair()
	targetsKey := testutil.NewKeyPair()

	raw := buildRoot(t, rootKey, tsKey, snapKey, targetsKey, 1)
	root, valid, err := ParseRoot(raw)
	require.NoError(t, err)
	require.Equal(t, 1, valid)
	require.Equal(t, 1, root.Version)
}

func TestParseRootUnmetThreshold(t *testing.T) {
	rootKey := testutil.NewKeyPair()
	other := testutil.NewKeyPair()
	tsKey := testutil.NewKeyPair()
	snapKey := testutil.NewKeyPair()
	targetsKey := testutil.NewKeyPair()

	signed := map[string]interface{}{
		"_type": "root", "version": 1, "expires": testutil.FarFuture, "consistent_snapshot": false,
		"keys": map[string]interface{}{rootKey.ID: rootKey.Public, tsKey.ID: tsKey.Public, snapKey.ID: snapKey.Public, targetsKey.ID: targetsKey.Public},
		"roles": map[string]interface{}{
			"root":      map[string]interface{}{"keyids": []string{rootKey.ID}, "threshold": 1},
			"timestamp": map[string]interface{}{"keyids": []string{tsKey.ID}, "threshold": 1},
			"snapshot":  map[string]interface{}{"keyids": []string{snapKey.ID}, "threshold": 1},
			"targets":   map[string]interface{}{"keyids": []string{targetsKey.ID}, "threshold": 1},
		},
	}
	raw := testutil.Envelope(signed, other) // signed by a key not in the root role
	_, _, err := ParseRoot(raw)
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrUnmetThreshold, merr.Kind)
}

func TestTimestampSnapshotTargetsChain(t *testing.T) {
	rootKey := testutil.NewKeyPair()
	tsKey := testutil.NewKeyPair()
	snapKey := testutil.NewKeyPair()
	targetsKey := testutil.NewKeyPair()

	rootRaw := buildRoot(t, rootKey, tsKey, snapKey, targetsKey, 1)
	root, _, err := ParseRoot(rootRaw)
	require.NoError(t, err)

	targetsSigned := map[string]interface{}{
		"_type": "targets", "version": 5, "expires": testutil.FarFuture,
		"targets": map[string]interface{}{
			"firmware.bin": map[string]interface{}{
				"length": 4,
				"hashes": map[string]interface{}{"sha256": xcrypto.SHA256Hex([]byte("abcd"))},
			},
		},
	}
	targetsRaw := testutil.Envelope(targetsSigned, targetsKey)

	snapSigned := map[string]interface{}{
		"_type": "snapshot", "version": 3, "expires": testutil.FarFuture,
		"meta": map[string]interface{}{
			"targets.json": map[string]interface{}{"version": 5},
		},
	}
	snapRaw := testutil.Envelope(snapSigned, snapKey)

	tsSigned := map[string]interface{}{
		"_type": "timestamp", "version": 9, "expires": testutil.FarFuture,
		"meta": map[string]interface{}{
			"snapshot.json": map[string]interface{}{"version": 3},
		},
	}
	tsRaw := testutil.Envelope(tsSigned, tsKey)

	ts, err := ParseTimestamp(tsRaw, root, now)
	require.NoError(t, err)
	require.Equal(t, 9, ts.Version)

	snap, err := ParseSnapshot(snapRaw, root, ts, now)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Version)

	targets, err := ParseTargets(targetsRaw, root, snap, now)
	require.NoError(t, err)
	require.Contains(t, targets.Targets, "firmware.bin")
}
