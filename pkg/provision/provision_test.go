package provision

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uptane-go/primary/pkg/fetcher"
	"github.com/uptane-go/primary/pkg/keymanager"
	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/store/memstore"
)

// scriptedFetcher answers Post calls with canned bodies/errors per URL
// suffix, in call order; Get/Put/Download are unused by the provisioner.
type scriptedFetcher struct {
	postResponses map[string][]postResult
	calls         map[string]int
}

type postResult struct {
	body []byte
	err  error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{postResponses: map[string][]postResult{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) script(urlSuffix string, results ...postResult) {
	f.postResponses[urlSuffix] = results
}

func (f *scriptedFetcher) Post(_ context.Context, url, _ string, _ []byte) ([]byte, error) {
	for suffix, results := range f.postResponses {
		if len(url) >= len(suffix) && url[len(url)-len(suffix):] == suffix {
			i := f.calls[suffix]
			if i >= len(results) {
				i = len(results) - 1
			}
			f.calls[suffix]++
			return results[i].body, results[i].err
		}
	}
	return nil, &fetcher.Error{Message: "unscripted url " + url}
}

func (f *scriptedFetcher) Put(context.Context, string, string, []byte) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}
func (f *scriptedFetcher) Get(context.Context, string, int64) ([]byte, error) {
	return nil, &fetcher.Error{Message: "not implemented"}
}
func (f *scriptedFetcher) Download(context.Context, string, io.Writer, int64, fetcher.ProgressFunc) error {
	return &fetcher.Error{Message: "not implemented"}
}

var _ fetcher.Fetcher = (*scriptedFetcher)(nil)

func newTestProvisioner(t *testing.T, st store.Store, ff *scriptedFetcher) *Provisioner {
	t.Helper()
	km, err := keymanager.New(st, keymanager.Config{})
	require.NoError(t, err)
	return New(st, km, ff, Config{ProvisioningServerURL: "https://prov", TLSServerURL: "https://tls"}, nil)
}

func TestPrimaryEcuSerialStableAcrossOfflineAttempts(t *testing.T) {
	st := memstore.New()
	ff := newScriptedFetcher()
	ff.script("/devices", postResult{err: &fetcher.Error{TransportCode: "transport", Message: "connection refused"}})
	p := newTestProvisioner(t, st, ff)
	ctx := context.Background()

	_, err := p.Attempt(ctx)
	require.Error(t, err)
	serial1, err := p.PrimaryEcuSerial(ctx)
	require.NoError(t, err)

	_, err = p.Attempt(ctx)
	require.Error(t, err)
	serial2, err := p.PrimaryEcuSerial(ctx)
	require.NoError(t, err)

	require.Equal(t, serial1, serial2)
}

func TestIdempotentProvisioningAfterSuccess(t *testing.T) {
	origDecompose := decomposePKCS12
	decomposePKCS12 = func(data []byte, password string) ([]byte, []byte, []byte, error) {
		return []byte("ca-pem"), []byte("cert-pem"), []byte("key-pem"), nil
	}
	defer func() { decomposePKCS12 = origDecompose }()

	st := memstore.New()
	ff := newScriptedFetcher()
	ff.script("/devices", postResult{body: []byte("pkcs12-bytes")})
	ff.script("/director/ecus", postResult{body: []byte("{}")})
	p := newTestProvisioner(t, st, ff)
	ctx := context.Background()

	state, err := p.Attempt(ctx)
	require.NoError(t, err)
	require.Equal(t, Provisioned, state)

	deviceID, err := st.LoadDeviceID(ctx)
	require.NoError(t, err)
	serial, err := p.PrimaryEcuSerial(ctx)
	require.NoError(t, err)
	creds, err := st.LoadTLSCreds(ctx)
	require.NoError(t, err)

	// a second Attempt must not re-register or mutate any of the above.
	ff.script("/devices", postResult{err: &fetcher.Error{Message: "should not be called again"}})
	state2, err := p.Attempt(ctx)
	require.NoError(t, err)
	require.Equal(t, Provisioned, state2)

	deviceID2, _ := st.LoadDeviceID(ctx)
	serial2, _ := p.PrimaryEcuSerial(ctx)
	creds2, _ := st.LoadTLSCreds(ctx)
	require.Equal(t, deviceID, deviceID2)
	require.Equal(t, serial, serial2)
	require.Equal(t, creds, creds2)
}

func TestDeviceAlreadyRegisteredMapsToError(t *testing.T) {
	st := memstore.New()
	ff := newScriptedFetcher()
	ff.script("/devices", postResult{
		body: []byte(`{"code":"device_already_registered"}`),
		err:  &fetcher.Error{StatusCode: 409, Message: "conflict"},
	})
	p := newTestProvisioner(t, st, ff)

	_, err := p.Attempt(context.Background())
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ErrAlreadyRegistered, perr.Kind)
}
