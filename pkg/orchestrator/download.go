package orchestrator

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/uptane-go/primary/pkg/fetcher"
)

// DownloadOutcome mirrors the Download result shape spec.md §4.6 names.
type DownloadOutcome string

const (
	DownloadOk               DownloadOutcome = "Ok"
	DownloadAborted          DownloadOutcome = "Aborted"
	DownloadVerificationFail DownloadOutcome = "VerificationFailed"
	DownloadFailed           DownloadOutcome = "DownloadFailed"
)

// DownloadResult reports one target's staging outcome.
type DownloadResult struct {
	Assignment  Assignment
	Outcome     DownloadOutcome
	StagingPath string
	Err         error
}

// stagingPath returns the content-addressed path a target's bytes are
// staged at: its declared sha256 hex digest, so two targets that happen
// to share content share a download.
func (o *Orchestrator) stagingPath(a Assignment) (string, error) {
	sum, ok := a.Target.Hashes["sha256"]
	if !ok {
		return "", fmt.Errorf("orchestrator: target %q declares no sha256 hash", a.Name)
	}
	return filepath.Join(o.cfg.StagingDir, sum), nil
}

// downloadImages downloads every assignment's Image-repository URI to a
// content-addressed staging path, resuming partial files, and re-hashing
// on completion (spec.md §4.6 Download). flow may be nil for an
// unconditional run.
func (o *Orchestrator) downloadImages(ctx context.Context, assignments []Assignment, flow *FlowControlToken) []DownloadResult {
	results := make([]DownloadResult, 0, len(assignments))
	for _, a := range assignments {
		if flow != nil {
			flow.WaitWhilePaused()
			if flow.State() == Aborted {
				results = append(results, DownloadResult{Assignment: a, Outcome: DownloadAborted})
				continue
			}
		}
		results = append(results, o.downloadOne(ctx, a, flow))
	}
	return results
}

func (o *Orchestrator) downloadOne(ctx context.Context, a Assignment, flow *FlowControlToken) DownloadResult {
	path, err := o.stagingPath(a)
	if err != nil {
		return DownloadResult{Assignment: a, Outcome: DownloadFailed, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return DownloadResult{Assignment: a, Outcome: DownloadFailed, Err: err}
	}
	sidecar := prefixDigestPath(path)

	resumeFrom := int64(0)
	if fi, err := os.Stat(path); err == nil && fi.Size() <= a.Target.Length && hashPrefixVerified(path, sidecar, fi.Size()) {
		resumeFrom = fi.Size()
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return DownloadResult{Assignment: a, Outcome: DownloadFailed, Err: err}
	}

	custom := a.Target.ParsedCustom()
	url := custom.URI
	if url == "" {
		url = o.imageBaseURL + "/targets/" + a.Name
	}

	progress := func(written int64) bool {
		if flow == nil {
			return true
		}
		flow.WaitWhilePaused()
		return flow.State() != Aborted
	}

	err = o.fetcher.Download(ctx, url, f, resumeFrom, progress)
	f.Close()

	if werr := writePrefixDigest(path, sidecar); werr != nil {
		o.log.Warn("write staging prefix digest failed", zap.String("target", a.Name), zap.Error(werr))
	}

	if err != nil {
		if err == fetcher.ErrAborted {
			return DownloadResult{Assignment: a, Outcome: DownloadAborted, StagingPath: path}
		}
		return DownloadResult{Assignment: a, Outcome: DownloadFailed, StagingPath: path, Err: err}
	}

	if err := verifyStagedFile(path, a.Target.Length, a.Target.Hashes); err != nil {
		os.Remove(path)
		os.Remove(sidecar)
		return DownloadResult{Assignment: a, Outcome: DownloadVerificationFail, Err: err}
	}

	os.Remove(sidecar)
	o.log.Info("download complete", zap.String("target", a.Name), zap.Int64("length", a.Target.Length))
	return DownloadResult{Assignment: a, Outcome: DownloadOk, StagingPath: path}
}

// prefixDigestPath names the sidecar file that records the sha256 of a
// staging file's bytes as of the last attempt, so a later resume can tell
// whether the partial file on disk is still the one it wrote.
func prefixDigestPath(stagingPath string) string {
	return stagingPath + ".prefix-sha256"
}

// hashPrefixVerified implements spec.md §4.6's resume gate: "if a partial
// file exists with length L <= target.length and hash-prefix verification
// passes, resume at byte L." A missing or stale sidecar (no record of the
// bytes currently on disk) fails verification, forcing a fresh download
// instead of trusting a partial file that may have been corrupted or
// truncated since the last attempt.
func hashPrefixVerified(path, sidecar string, size int64) bool {
	want, err := os.ReadFile(sidecar)
	if err != nil {
		return false
	}
	got, err := hashPrefix(path, size)
	if err != nil {
		return false
	}
	return string(want) == got
}

// writePrefixDigest records the sha256 of the staging file's current
// contents so the next attempt can verify it before resuming onto it.
func writePrefixDigest(path, sidecar string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	digest, err := hashPrefix(path, fi.Size())
	if err != nil {
		return err
	}
	return os.WriteFile(sidecar, []byte(digest), 0o600)
}

func hashPrefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, n)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyStagedFile(path string, wantLength int64, wantHashes map[string]string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() != wantLength {
		return fmt.Errorf("length mismatch: got %d want %d", fi.Size(), wantLength)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hashers := map[string]hash.Hash{}
	var writers []io.Writer
	for algo := range wantHashes {
		var h hash.Hash
		switch algo {
		case "sha256":
			h = sha256.New()
		case "sha512":
			h = sha512.New()
		default:
			continue
		}
		hashers[algo] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return err
	}
	for algo, want := range wantHashes {
		h, ok := hashers[algo]
		if !ok {
			continue
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("%s mismatch: got %s want %s", algo, got, want)
		}
	}
	return nil
}
