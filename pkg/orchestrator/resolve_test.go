package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/store/memstore"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
	"github.com/uptane-go/primary/pkg/uptane/repo"
)

type noopFetcher struct{}

func (noopFetcher) Get(context.Context, string, int64) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}
func (noopFetcher) Post(context.Context, string, string, []byte) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}
func (noopFetcher) Put(context.Context, string, string, []byte) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}
func (noopFetcher) Download(context.Context, string, io.Writer, int64, fetcher.ProgressFunc) error {
	return &fetcher.Error{Message: "not implemented"}
}

func newTestImageEngine() *repo.Engine {
	st := memstore.New()
	return repo.New(metadata.Image, "http://image.example", st, noopFetcher{}, func() time.Time { return time.Unix(0, 0) }, nil)
}

func custom(ecuSerial string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"ecuIdentifier": ecuSerial})
	return b
}

func TestResolveTargetsMatchesByNameAndHash(t *testing.T) {
	engine := newTestImageEngine()
	imageTop := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "abc"}},
	}}
	directorTargets := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "abc"}, Custom: custom("ecu-1")},
	}}

	out, err := resolveTargets(context.Background(), engine, nil, imageTop, directorTargets)
	require.NoError(t, err)

	want := []Assignment{{
		Name:      "firmware.bin",
		EcuSerial: "ecu-1",
		Target:    metadata.TargetFile{Length: 17, Hashes: map[string]string{"sha256": "abc"}},
	}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("resolveTargets() mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveTargetsSkipsEntriesWithNoEcuAssignment(t *testing.T) {
	engine := newTestImageEngine()
	imageTop := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "abc"}},
	}}
	directorTargets := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "abc"}},
	}}

	out, err := resolveTargets(context.Background(), engine, nil, imageTop, directorTargets)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestResolveTargetsIgnoresUnknownTarget(t *testing.T) {
	engine := newTestImageEngine()
	imageTop := &metadata.Targets{Targets: map[string]metadata.TargetFile{}}
	directorTargets := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"ghost.bin": {Length: 1, Hashes: map[string]string{"sha256": "abc"}, Custom: custom("ecu-1")},
	}}

	out, err := resolveTargets(context.Background(), engine, nil, imageTop, directorTargets)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestResolveTargetsErrorsOnHashMismatch(t *testing.T) {
	engine := newTestImageEngine()
	imageTop := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "abc"}},
	}}
	directorTargets := &metadata.Targets{Targets: map[string]metadata.TargetFile{
		"firmware.bin": {Length: 17, Hashes: map[string]string{"sha256": "different"}, Custom: custom("ecu-1")},
	}}

	_, err := resolveTargets(context.Background(), engine, nil, imageTop, directorTargets)
	require.Error(t, err)
	var mismatch *ErrTargetMismatch
	require.ErrorAs(t, err, &mismatch)
}
