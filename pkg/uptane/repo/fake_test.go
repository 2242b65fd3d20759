package repo

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/internal/testutil"
)

// fakeFetcher serves canned bodies keyed by full URL; anything absent is a
// 404, mirroring how a real metadata server signals "no such version" during
// root rotation.
type fakeFetcher struct {
	bodies map[string][]byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string][]byte{}}
}

func (f *fakeFetcher) set(url string, body []byte) { f.bodies[url] = body }

func (f *fakeFetcher) Get(_ context.Context, url string, maxSize int64) ([]byte, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, &fetcher.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	if int64(len(body)) > maxSize {
		return nil, &fetcher.Error{TransportCode: "size-limit-exceeded"}
	}
	return body, nil
}

func (f *fakeFetcher) Post(context.Context, string, string, []byte) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}

func (f *fakeFetcher) Put(context.Context, string, string, []byte) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}

func (f *fakeFetcher) Download(context.Context, string, io.Writer, int64, fetcher.ProgressFunc) error {
	return &fetcher.Error{Message: "not implemented"}
}

var _ fetcher.Fetcher = (*fakeFetcher)(nil)

func fixedNow() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }

type testKeys struct {
	root, ts, snap, targets testutil.KeyPair
}

func newTestKeys() testKeys {
	return testKeys{
		root:    testutil.NewKeyPair(),
		ts:      testutil.NewKeyPair(),
		snap:    testutil.NewKeyPair(),
		targets: testutil.NewKeyPair(),
	}
}

func buildTestRoot(k testKeys, version int) []byte {
	signed := map[string]interface{}{
		"_type":               "root",
		"spec_version":        "1.0.0",
		"version":             version,
		"expires":             testutil.FarFuture,
		"consistent_snapshot": false,
		"keys": map[string]interface{}{
			k.root.ID:    k.root.Public,
			k.ts.ID:      k.ts.Public,
			k.snap.ID:    k.snap.Public,
			k.targets.ID: k.targets.Public,
		},
		"roles": map[string]interface{}{
			"root":      map[string]interface{}{"keyids": []string{k.root.ID}, "threshold": 1},
			"timestamp": map[string]interface{}{"keyids": []string{k.ts.ID}, "threshold": 1},
			"snapshot":  map[string]interface{}{"keyids": []string{k.snap.ID}, "threshold": 1},
			"targets":   map[string]interface{}{"keyids": []string{k.targets.ID}, "threshold": 1},
		},
	}
	return testutil.Envelope(signed, k.root)
}

func buildTestTimestamp(k testKeys, version, snapVersion int) []byte {
	signed := map[string]interface{}{
		"_type": "timestamp", "version": version, "expires": testutil.FarFuture,
		"meta": map[string]interface{}{
			"snapshot.json": map[string]interface{}{"version": snapVersion},
		},
	}
	return testutil.Envelope(signed, k.ts)
}

func buildTestSnapshot(k testKeys, version, targetsVersion int) []byte {
	signed := map[string]interface{}{
		"_type": "snapshot", "version": version, "expires": testutil.FarFuture,
		"meta": map[string]interface{}{
			"targets.json": map[string]interface{}{"version": targetsVersion},
		},
	}
	return testutil.Envelope(signed, k.snap)
}

func buildTestTargets(k testKeys, version int, entries map[string]interface{}) []byte {
	signed := map[string]interface{}{
		"_type": "targets", "version": version, "expires": testutil.FarFuture,
		"targets": entries,
	}
	return testutil.Envelope(signed, k.targets)
}

func buildDelegatingTargets(k testKeys, version int, delegate testutil.KeyPair, roleName string, paths []string, terminating bool) []byte {
	signed := map[string]interface{}{
		"_type": "targets", "version": version, "expires": testutil.FarFuture,
		"targets": map[string]interface{}{},
		"delegations": map[string]interface{}{
			"keys": map[string]interface{}{delegate.ID: delegate.Public},
			"roles": []map[string]interface{}{
				{
					"name":        roleName,
					"keyids":      []string{delegate.ID},
					"threshold":   1,
					"paths":       paths,
					"terminating": terminating,
				},
			},
		},
	}
	return testutil.Envelope(signed, k.targets)
}

func buildDelegatedTargets(signer testutil.KeyPair, version int, entries map[string]interface{}) []byte {
	signed := map[string]interface{}{
		"_type": "targets", "version": version, "expires": testutil.FarFuture,
		"targets": entries,
	}
	return testutil.Envelope(signed, signer)
}

func md(length int64, hash string) map[string]interface{} {
	return map[string]interface{}{"length": length, "hashes": map[string]interface{}{"sha256": hash}}
}
