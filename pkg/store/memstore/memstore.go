// Package memstore is an in-memory Store implementation used by tests
// throughout the module; it is not the persistence backend the CLI ships
// (see pkg/store/sqlite for that), but it satisfies the exact same
// contract so engine/orchestrator tests never need a real database.
package memstore

import (
	"context"
	"sync"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

type rootKey struct {
	repo    metadata.RepositoryType
	version int
}

type nonRootKey struct {
	repo metadata.RepositoryType
	role metadata.RoleName
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	roots       map[rootKey][]byte
	latestRoot  map[metadata.RepositoryType]int
	nonRoots    map[nonRootKey][]byte
	tlsCreds    *store.TLSCredentials
	primaryKeys *store.PrimaryKeys
	ecus        []store.EcuEntry
	ecuReg      bool
	deviceID    string
	installed   map[string]map[store.InstallMode]store.InstalledVersion
	secondaries map[string]store.SecondaryInfo
}

// New returns an empty memstore.
func New() *Store {
	return &Store{
		roots:       map[rootKey][]byte{},
		latestRoot:  map[metadata.RepositoryType]int{},
		nonRoots:    map[nonRootKey][]byte{},
		installed:   map[string]map[store.InstallMode]store.InstalledVersion{},
		secondaries: map[string]store.SecondaryInfo{},
	}
}

func (s *Store) StoreRoot(_ context.Context, repo metadata.RepositoryType, version int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[rootKey{repo, version}] = append([]byte{}, raw...)
	if version > s.latestRoot[repo] {
		s.latestRoot[repo] = version
	}
	return nil
}

func (s *Store) LoadRoot(_ context.Context, repo metadata.RepositoryType, version int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.roots[rootKey{repo, version}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}

func (s *Store) LoadLatestRoot(ctx context.Context, repo metadata.RepositoryType) ([]byte, int, error) {
	s.mu.Lock()
	v, ok := s.latestRoot[repo]
	s.mu.Unlock()
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	raw, err := s.LoadRoot(ctx, repo, v)
	return raw, v, err
}

func (s *Store) ClearNonRoot(_ context.Context, repo metadata.RepositoryType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.nonRoots {
		if k.repo == repo {
			delete(s.nonRoots, k)
		}
	}
	return nil
}

func (s *Store) StoreNonRoot(_ context.Context, repo metadata.RepositoryType, role metadata.RoleName, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonRoots[nonRootKey{repo, role}] = append([]byte{}, raw...)
	return nil
}

func (s *Store) LoadNonRoot(_ context.Context, repo metadata.RepositoryType, role metadata.RoleName) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.nonRoots[nonRootKey{repo, role}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}

func (s *Store) StoreTLSCreds(_ context.Context, creds store.TLSCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsCreds = &creds
	return nil
}

func (s *Store) LoadTLSCreds(_ context.Context) (store.TLSCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlsCreds == nil {
		return store.TLSCredentials{}, store.ErrNotFound
	}
	return *s.tlsCreds, nil
}

func (s *Store) StorePrimaryKeys(_ context.Context, keys store.PrimaryKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryKeys = &keys
	return nil
}

func (s *Store) LoadPrimaryKeys(_ context.Context) (store.PrimaryKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primaryKeys == nil {
		return store.PrimaryKeys{}, store.ErrNotFound
	}
	return *s.primaryKeys, nil
}

func (s *Store) StoreEcuSerials(_ context.Context, ecus []store.EcuEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ecus = append([]store.EcuEntry{}, ecus...)
	return nil
}

func (s *Store) LoadEcuSerials(_ context.Context) ([]store.EcuEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ecus == nil {
		return nil, store.ErrNotFound
	}
	return append([]store.EcuEntry{}, s.ecus...), nil
}

func (s *Store) StoreEcuRegistered(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ecuReg = true
	return nil
}

func (s *Store) LoadEcuRegistered(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ecuReg, nil
}

func (s *Store) StoreDeviceID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
	return nil
}

func (s *Store) LoadDeviceID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID == "" {
		return "", store.ErrNotFound
	}
	return s.deviceID, nil
}

func (s *Store) SaveInstalledVersion(_ context.Context, ecuSerial string, v store.InstalledVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed[ecuSerial] == nil {
		s.installed[ecuSerial] = map[store.InstallMode]store.InstalledVersion{}
	}
	s.installed[ecuSerial][v.Mode] = v
	return nil
}

func (s *Store) LoadInstalledVersions(_ context.Context, ecuSerial string) (*store.InstalledVersion, *store.InstalledVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.installed[ecuSerial]
	var cur, pending *store.InstalledVersion
	if v, ok := m[store.Current]; ok {
		c := v
		cur = &c
	}
	if v, ok := m[store.Pending]; ok {
		p := v
		pending = &p
	}
	return cur, pending, nil
}

func (s *Store) ClearPending(_ context.Context, ecuSerial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.installed[ecuSerial]; ok {
		delete(m, store.Pending)
	}
	return nil
}

func (s *Store) StoreSecondaryInfo(_ context.Context, info store.SecondaryInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondaries[info.EcuSerial] = info
	return nil
}

func (s *Store) LoadSecondariesInfo(_ context.Context) ([]store.SecondaryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SecondaryInfo, 0, len(s.secondaries))
	for _, v := range s.secondaries {
		out = append(out, v)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
