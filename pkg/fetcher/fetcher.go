// Package fetcher defines the size-bounded HTTP contract the Uptane engine
// and orchestrator fetch metadata and firmware through (spec.md §4.9), and
// an implementation backed by github.com/hashicorp/go-retryablehttp.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrAborted is returned by Download when the sink cancels the transfer
// (Write returning 0, nil) or a FlowControlToken aborts it.
var ErrAborted = errors.New("fetcher: download aborted")

// Error is the structured transport/status failure crossing the fetcher
// boundary.
type Error struct {
	TransportCode string
	StatusCode    int
	Message       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("http: %s status=%d: %s", e.TransportCode, e.StatusCode, e.Message)
}

// OK reports whether the response represents a usable success: transport
// succeeded and status is in [200, 400).
func (e *Error) OK() bool {
	return e == nil
}

// ProgressFunc is invoked periodically during Download with the number of
// bytes written so far. Returning false cancels the transfer.
type ProgressFunc func(written int64) bool

// Fetcher is the interface the Uptane engine and orchestrator depend on.
// Concrete transport (TLS config, proxying, retries) is an implementation
// detail behind this boundary.
type Fetcher interface {
	// Get performs a bounded GET; once the body exceeds maxSize bytes the
	// transfer is aborted and an error (TransportCode "size-limit-exceeded")
	// is returned with no body.
	Get(ctx context.Context, url string, maxSize int64) ([]byte, error)

	// Post/Put are bounded to 64 KiB of response body.
	Post(ctx context.Context, url, contentType string, body []byte) ([]byte, error)
	Put(ctx context.Context, url, contentType string, body []byte) ([]byte, error)

	// Download streams url to sink starting at resumeFrom bytes (0 for a
	// fresh transfer), invoking progress periodically. The sink's Write
	// returning (0, nil) cancels the transfer mid-stream.
	Download(ctx context.Context, url string, sink io.Writer, resumeFrom int64, progress ProgressFunc) error
}

// PostResponseCapBytes bounds POST/PUT response bodies per spec.md §4.9.
const PostResponseCapBytes = 64 * 1024
