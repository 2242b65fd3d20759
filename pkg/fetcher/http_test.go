package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	f, err := New(Config{RetryCount: 0}, nil, nil)
	require.NoError(t, err)
	return f
}

func TestGetWithinBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Get(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestGetExceedsBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL, 10)
	require.Error(t, err)
	ferr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, "size-limit-exceeded", ferr.TransportCode)
}

func TestGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL, 1024)
	require.Error(t, err)
	ferr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, ferr.StatusCode)
}

func TestPostCapsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("y"), PostResponseCapBytes+10))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	body, err := f.Post(context.Background(), srv.URL, "application/json", []byte("{}"))
	require.Error(t, err)
	require.LessOrEqual(t, len(body), PostResponseCapBytes)
}

func TestDownloadResumesWithRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Write([]byte("resumed-bytes"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	var buf bytes.Buffer
	err := f.Download(context.Background(), srv.URL, &buf, 1024, nil)
	require.NoError(t, err)
	require.Equal(t, "bytes=1024-", gotRange)
	require.Equal(t, "resumed-bytes", buf.String())
}

func TestDownloadProgressAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("z"), 1000))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	var buf bytes.Buffer
	err := f.Download(context.Background(), srv.URL, &buf, 0, func(written int64) bool {
		return written < 10
	})
	require.ErrorIs(t, err, ErrAborted)
}

func TestDownloadSinkRejectsWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	err := f.Download(context.Background(), srv.URL, zeroWriteSink{}, 0, nil)
	require.ErrorIs(t, err, ErrAborted)
}

// zeroWriteSink always reports 0 bytes written without erroring, simulating
// a sink that cancels the transfer mid-stream.
type zeroWriteSink struct{}

func (zeroWriteSink) Write(p []byte) (int, error) { return 0, nil }

func TestServerErrorRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, err := New(Config{RetryCount: 2, RetryWait: 0}, nil, nil)
	require.NoError(t, err)
	body, err := f.Get(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.GreaterOrEqual(t, calls, 2)
}

func TestUserAgentDefault(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Get(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotUA, "uptane-primary/"))
}
