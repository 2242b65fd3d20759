// Package store defines the persistence contract the core consumes
// (spec.md §4.8/§8). The concrete SQL-backed implementation lives in
// pkg/store/sqlite; any store satisfying this interface works with the
// rest of the module.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

// Error wraps I/O or corruption failures crossing the store boundary.
type Error struct {
	Op      string
	Wrapped error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Wrapped) }
func (e *Error) Unwrap() error { return e.Wrapped }

// ErrNotFound is returned by LoadRoot, LoadLatestRoot, LoadNonRoot,
// LoadTLSCreds, LoadPrimaryKeys, LoadEcuSerials and LoadDeviceID when no
// row exists yet. LoadInstalledVersions, LoadEcuRegistered and
// LoadSecondariesInfo report absence as nil, false or an empty list
// instead.
var ErrNotFound = errors.New("store: not found")

// InstallMode distinguishes the current, running version from one staged
// pending a reboot to finalize.
type InstallMode int

const (
	Current InstallMode = iota
	Pending
)

// InstalledVersion pairs a target with the slot it occupies for one ECU.
type InstalledVersion struct {
	Target metadata.TargetFile
	Name   string
	Mode   InstallMode
}

// SecondaryType enumerates the secondary transport kinds spec.md §4.7
// names.
type SecondaryType string

const (
	SecondaryVirtual           SecondaryType = "Virtual"
	SecondaryIP                SecondaryType = "IP"
	SecondaryOstreeDelegating  SecondaryType = "OstreeDelegating"
)

// SecondaryInfo is the persisted record of one attached Secondary.
type SecondaryInfo struct {
	EcuSerial string
	Type      SecondaryType
	Extra     map[string]interface{}
}

// TLSCredentials are the device's mutual-TLS materials, stored as raw PEM
// bytes (the Key Manager decides whether to materialize them as files or
// hand off to a PKCS#11 provider).
type TLSCredentials struct {
	CA   []byte
	Cert []byte
	Key  []byte
}

// PrimaryKeys are the Primary's Uptane signing keypair, PEM-encoded.
type PrimaryKeys struct {
	Public  []byte
	Private []byte
}

// EcuEntry records one ECU's identity.
type EcuEntry struct {
	EcuSerial      string
	HardwareID     string
	IsPrimary      bool
}

// Store is the full persistence contract. Every method takes a Context so
// implementations backed by a real database can honor cancellation/timeouts
// even though the core itself never cancels a store call mid-command
// (spec.md §5: store mutations are serialized within a command).
type Store interface {
	// Roots: append-only per (repo, version).
	StoreRoot(ctx context.Context, repo metadata.RepositoryType, version int, raw []byte) error
	LoadRoot(ctx context.Context, repo metadata.RepositoryType, version int) ([]byte, error)
	LoadLatestRoot(ctx context.Context, repo metadata.RepositoryType) ([]byte, int, error)
	ClearNonRoot(ctx context.Context, repo metadata.RepositoryType) error

	// Non-root: one latest row per (repo, role).
	StoreNonRoot(ctx context.Context, repo metadata.RepositoryType, role metadata.RoleName, raw []byte) error
	LoadNonRoot(ctx context.Context, repo metadata.RepositoryType, role metadata.RoleName) ([]byte, error)

	// TLS / Uptane signing key material.
	StoreTLSCreds(ctx context.Context, creds TLSCredentials) error
	LoadTLSCreds(ctx context.Context) (TLSCredentials, error)
	StorePrimaryKeys(ctx context.Context, keys PrimaryKeys) error
	LoadPrimaryKeys(ctx context.Context) (PrimaryKeys, error)

	// ECU table.
	StoreEcuSerials(ctx context.Context, ecus []EcuEntry) error
	LoadEcuSerials(ctx context.Context) ([]EcuEntry, error)
	StoreEcuRegistered(ctx context.Context) error
	LoadEcuRegistered(ctx context.Context) (bool, error)

	// Device identity.
	StoreDeviceID(ctx context.Context, id string) error
	LoadDeviceID(ctx context.Context) (string, error)

	// Installed versions, per ECU.
	SaveInstalledVersion(ctx context.Context, ecuSerial string, v InstalledVersion) error
	LoadInstalledVersions(ctx context.Context, ecuSerial string) (current, pending *InstalledVersion, err error)
	ClearPending(ctx context.Context, ecuSerial string) error

	// Secondaries.
	StoreSecondaryInfo(ctx context.Context, info SecondaryInfo) error
	LoadSecondariesInfo(ctx context.Context) ([]SecondaryInfo, error)
}
