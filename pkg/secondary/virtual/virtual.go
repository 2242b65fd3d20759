// Package virtual implements the Virtual Secondary (spec.md §4.7): an
// in-process ECU used for single-box testing and simple integrations,
// backed by a directory on the local filesystem instead of a network
// transport.
package virtual

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
	"github.com/uptane-go/primary/pkg/secondary"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// Secondary is a Virtual ECU: metadata and firmware are written straight
// to files under Dir, and Install always succeeds once the firmware on
// disk matches the target's declared hash. GetManifest returns the
// Director Targets metadata last delivered through PutMeta, as is: the
// Virtual Secondary holds no signing key and produces no manifest signed
// by the ECU.
type Secondary struct {
	EcuSerial  string
	HardwareID string
	PublicKey  xcrypto.PublicKey
	Dir        string

	mu          sync.Mutex
	rootVersion map[metadata.RepositoryType]int
	meta        map[secondary.BundleKey][]byte
	firmwarePath string
	installedLen int64
}

var _ secondary.Secondary = (*Secondary)(nil)

// New builds a Virtual Secondary rooted at dir, creating it if absent.
func New(ecuSerial, hardwareID string, pub xcrypto.PublicKey, dir string) (*Secondary, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("virtual secondary: mkdir %s: %w", dir, err)
	}
	return &Secondary{
		EcuSerial:   ecuSerial,
		HardwareID:  hardwareID,
		PublicKey:   pub,
		Dir:         dir,
		rootVersion: map[metadata.RepositoryType]int{},
		meta:        map[secondary.BundleKey][]byte{},
	}, nil
}

func (s *Secondary) GetInfo(ctx context.Context) (secondary.Info, error) {
	return secondary.Info{EcuSerial: s.EcuSerial, HardwareID: s.HardwareID, PublicKey: s.PublicKey}, nil
}

func (s *Secondary) GetVersion(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootVersion[metadata.Director], nil
}

func (s *Secondary) GetManifest(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[secondary.BundleKey{Repo: metadata.Director, Role: metadata.RoleTargets}], nil
}

func (s *Secondary) GetRootVersion(ctx context.Context, repo metadata.RepositoryType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootVersion[repo], nil
}

func (s *Secondary) PutRoot(ctx context.Context, repo metadata.RepositoryType, raw []byte) error {
	path := filepath.Join(s.Dir, string(repo)+"-root.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
	}
	s.mu.Lock()
	s.rootVersion[repo]++
	s.mu.Unlock()
	return nil
}

func (s *Secondary) PutMeta(ctx context.Context, bundle secondary.MetaBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, raw := range bundle {
		path := filepath.Join(s.Dir, fmt.Sprintf("%s-%s.json", key.Repo, key.Role))
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
		}
		s.meta[key] = raw
	}
	return nil
}

func (s *Secondary) SendFirmware(ctx context.Context, target metadata.TargetFile, stream io.Reader) error {
	path := filepath.Join(s.Dir, "firmware.bin")
	f, err := os.Create(path)
	if err != nil {
		return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
	}
	defer f.Close()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(stream, target.Length))
	if err != nil {
		return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: err}
	}
	if written != target.Length {
		return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrUnreachable, Wrapped: fmt.Errorf("short firmware write: got %d want %d", written, target.Length)}
	}
	if want, ok := target.Hashes["sha256"]; ok {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return &secondary.Error{EcuSerial: s.EcuSerial, Kind: secondary.ErrSignatureRejected, Wrapped: fmt.Errorf("firmware hash mismatch: got %s want %s", got, want)}
		}
	}

	s.mu.Lock()
	s.firmwarePath = path
	s.installedLen = written
	s.mu.Unlock()
	return nil
}

func (s *Secondary) Install(ctx context.Context, target metadata.TargetFile) (secondary.InstallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firmwarePath == "" || s.installedLen != target.Length {
		return secondary.InstallDownloadFailed, nil
	}
	return secondary.InstallOk, nil
}
