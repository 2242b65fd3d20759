// Package sqlite is the reference store.Store backend (spec.md §4.8),
// backed by github.com/mattn/go-sqlite3. Every exported method except
// StoreEcuSerials issues a single statement, so a reader never observes a
// partially-written row — SQLite's own per-statement autocommit
// transaction gives that for free. StoreEcuSerials deletes and re-inserts
// the whole ECU set inside one explicit transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/uptane-go/primary/pkg/store"
	"github.com/uptane-go/primary/pkg/uptane/metadata"
)

const schema = `
CREATE TABLE IF NOT EXISTS roots (
	repo TEXT NOT NULL,
	version INTEGER NOT NULL,
	raw BLOB NOT NULL,
	PRIMARY KEY (repo, version)
);
CREATE TABLE IF NOT EXISTS non_root (
	repo TEXT NOT NULL,
	role TEXT NOT NULL,
	raw BLOB NOT NULL,
	PRIMARY KEY (repo, role)
);
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS ecus (
	ecu_serial TEXT PRIMARY KEY,
	hardware_id TEXT NOT NULL,
	is_primary INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS installed_versions (
	ecu_serial TEXT NOT NULL,
	mode INTEGER NOT NULL,
	target_json BLOB NOT NULL,
	name TEXT,
	PRIMARY KEY (ecu_serial, mode)
);
CREATE TABLE IF NOT EXISTS secondaries (
	ecu_serial TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	extra_json BLOB NOT NULL
);
`

const (
	kvDeviceID      = "device_id"
	kvTLSCreds      = "tls_creds"
	kvPrimaryKeys   = "primary_keys"
	kvEcuRegistered = "ecu_registered"
)

// Store implements store.Store on a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if absent) the SQLite file at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &store.Error{Op: "open", Wrapped: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &store.Error{Op: "migrate", Wrapped: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) StoreRoot(ctx context.Context, repo metadata.RepositoryType, version int, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO roots (repo, version, raw) VALUES (?, ?, ?)`, string(repo), version, raw)
	if err != nil {
		return &store.Error{Op: "StoreRoot", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadRoot(ctx context.Context, repo metadata.RepositoryType, version int) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM roots WHERE repo = ? AND version = ?`, string(repo), version).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.Error{Op: "LoadRoot", Wrapped: err}
	}
	return raw, nil
}

func (s *Store) LoadLatestRoot(ctx context.Context, repo metadata.RepositoryType) ([]byte, int, error) {
	var raw []byte
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT raw, version FROM roots WHERE repo = ? ORDER BY version DESC LIMIT 1`, string(repo)).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, &store.Error{Op: "LoadLatestRoot", Wrapped: err}
	}
	return raw, version, nil
}

func (s *Store) ClearNonRoot(ctx context.Context, repo metadata.RepositoryType) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM non_root WHERE repo = ?`, string(repo))
	if err != nil {
		return &store.Error{Op: "ClearNonRoot", Wrapped: err}
	}
	return nil
}

func (s *Store) StoreNonRoot(ctx context.Context, repo metadata.RepositoryType, role metadata.RoleName, raw []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO non_root (repo, role, raw) VALUES (?, ?, ?)`, string(repo), string(role), raw)
	if err != nil {
		return &store.Error{Op: "StoreNonRoot", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadNonRoot(ctx context.Context, repo metadata.RepositoryType, role metadata.RoleName) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT raw FROM non_root WHERE repo = ? AND role = ?`, string(repo), string(role)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.Error{Op: "LoadNonRoot", Wrapped: err}
	}
	return raw, nil
}

func (s *Store) putKV(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)`, key, value)
	return err
}

func (s *Store) getKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return value, err
}

func (s *Store) StoreTLSCreds(ctx context.Context, creds store.TLSCredentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return &store.Error{Op: "StoreTLSCreds", Wrapped: err}
	}
	if err := s.putKV(ctx, kvTLSCreds, raw); err != nil {
		return &store.Error{Op: "StoreTLSCreds", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadTLSCreds(ctx context.Context) (store.TLSCredentials, error) {
	raw, err := s.getKV(ctx, kvTLSCreds)
	if err != nil {
		if err == store.ErrNotFound {
			return store.TLSCredentials{}, store.ErrNotFound
		}
		return store.TLSCredentials{}, &store.Error{Op: "LoadTLSCreds", Wrapped: err}
	}
	var creds store.TLSCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return store.TLSCredentials{}, &store.Error{Op: "LoadTLSCreds", Wrapped: err}
	}
	return creds, nil
}

func (s *Store) StorePrimaryKeys(ctx context.Context, keys store.PrimaryKeys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return &store.Error{Op: "StorePrimaryKeys", Wrapped: err}
	}
	if err := s.putKV(ctx, kvPrimaryKeys, raw); err != nil {
		return &store.Error{Op: "StorePrimaryKeys", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadPrimaryKeys(ctx context.Context) (store.PrimaryKeys, error) {
	raw, err := s.getKV(ctx, kvPrimaryKeys)
	if err != nil {
		if err == store.ErrNotFound {
			return store.PrimaryKeys{}, store.ErrNotFound
		}
		return store.PrimaryKeys{}, &store.Error{Op: "LoadPrimaryKeys", Wrapped: err}
	}
	var keys store.PrimaryKeys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return store.PrimaryKeys{}, &store.Error{Op: "LoadPrimaryKeys", Wrapped: err}
	}
	return keys, nil
}

func (s *Store) StoreEcuSerials(ctx context.Context, ecus []store.EcuEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.Error{Op: "StoreEcuSerials", Wrapped: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ecus`); err != nil {
		return &store.Error{Op: "StoreEcuSerials", Wrapped: err}
	}
	for _, e := range ecus {
		isPrimary := 0
		if e.IsPrimary {
			isPrimary = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ecus (ecu_serial, hardware_id, is_primary) VALUES (?, ?, ?)`, e.EcuSerial, e.HardwareID, isPrimary); err != nil {
			return &store.Error{Op: "StoreEcuSerials", Wrapped: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &store.Error{Op: "StoreEcuSerials", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadEcuSerials(ctx context.Context) ([]store.EcuEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ecu_serial, hardware_id, is_primary FROM ecus`)
	if err != nil {
		return nil, &store.Error{Op: "LoadEcuSerials", Wrapped: err}
	}
	defer rows.Close()

	var out []store.EcuEntry
	for rows.Next() {
		var e store.EcuEntry
		var isPrimary int
		if err := rows.Scan(&e.EcuSerial, &e.HardwareID, &isPrimary); err != nil {
			return nil, &store.Error{Op: "LoadEcuSerials", Wrapped: err}
		}
		e.IsPrimary = isPrimary != 0
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, rows.Err()
}

func (s *Store) StoreEcuRegistered(ctx context.Context) error {
	if err := s.putKV(ctx, kvEcuRegistered, []byte("1")); err != nil {
		return &store.Error{Op: "StoreEcuRegistered", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadEcuRegistered(ctx context.Context) (bool, error) {
	_, err := s.getKV(ctx, kvEcuRegistered)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, &store.Error{Op: "LoadEcuRegistered", Wrapped: err}
	}
	return true, nil
}

func (s *Store) StoreDeviceID(ctx context.Context, id string) error {
	if err := s.putKV(ctx, kvDeviceID, []byte(id)); err != nil {
		return &store.Error{Op: "StoreDeviceID", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadDeviceID(ctx context.Context) (string, error) {
	raw, err := s.getKV(ctx, kvDeviceID)
	if err == store.ErrNotFound {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", &store.Error{Op: "LoadDeviceID", Wrapped: err}
	}
	return string(raw), nil
}

func (s *Store) SaveInstalledVersion(ctx context.Context, ecuSerial string, v store.InstalledVersion) error {
	targetJSON, err := json.Marshal(v.Target)
	if err != nil {
		return &store.Error{Op: "SaveInstalledVersion", Wrapped: err}
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO installed_versions (ecu_serial, mode, target_json, name) VALUES (?, ?, ?, ?)`,
		ecuSerial, int(v.Mode), targetJSON, v.Name)
	if err != nil {
		return &store.Error{Op: "SaveInstalledVersion", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadInstalledVersions(ctx context.Context, ecuSerial string) (*store.InstalledVersion, *store.InstalledVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mode, target_json, name FROM installed_versions WHERE ecu_serial = ?`, ecuSerial)
	if err != nil {
		return nil, nil, &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
	}
	defer rows.Close()

	var current, pending *store.InstalledVersion
	for rows.Next() {
		var mode int
		var targetJSON []byte
		var name sql.NullString
		if err := rows.Scan(&mode, &targetJSON, &name); err != nil {
			return nil, nil, &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
		}
		v := store.InstalledVersion{Mode: store.InstallMode(mode), Name: name.String}
		if err := json.Unmarshal(targetJSON, &v.Target); err != nil {
			return nil, nil, &store.Error{Op: "LoadInstalledVersions", Wrapped: err}
		}
		switch v.Mode {
		case store.Current:
			c := v
			current = &c
		case store.Pending:
			p := v
			pending = &p
		}
	}
	return current, pending, rows.Err()
}

func (s *Store) ClearPending(ctx context.Context, ecuSerial string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM installed_versions WHERE ecu_serial = ? AND mode = ?`, ecuSerial, int(store.Pending))
	if err != nil {
		return &store.Error{Op: "ClearPending", Wrapped: err}
	}
	return nil
}

func (s *Store) StoreSecondaryInfo(ctx context.Context, info store.SecondaryInfo) error {
	extra, err := json.Marshal(info.Extra)
	if err != nil {
		return &store.Error{Op: "StoreSecondaryInfo", Wrapped: err}
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO secondaries (ecu_serial, type, extra_json) VALUES (?, ?, ?)`, info.EcuSerial, string(info.Type), extra)
	if err != nil {
		return &store.Error{Op: "StoreSecondaryInfo", Wrapped: err}
	}
	return nil
}

func (s *Store) LoadSecondariesInfo(ctx context.Context) ([]store.SecondaryInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ecu_serial, type, extra_json FROM secondaries`)
	if err != nil {
		return nil, &store.Error{Op: "LoadSecondariesInfo", Wrapped: err}
	}
	defer rows.Close()

	var out []store.SecondaryInfo
	for rows.Next() {
		var info store.SecondaryInfo
		var typ string
		var extra []byte
		if err := rows.Scan(&info.EcuSerial, &typ, &extra); err != nil {
			return nil, &store.Error{Op: "LoadSecondariesInfo", Wrapped: err}
		}
		info.Type = store.SecondaryType(typ)
		if err := json.Unmarshal(extra, &info.Extra); err != nil {
			return nil, &store.Error{Op: "LoadSecondariesInfo", Wrapped: err}
		}
		if info.Extra == nil {
			info.Extra = map[string]interface{}{}
		}
		// Missing verification_type in legacy rows defaults to Full (spec.md §4.7).
		if _, ok := info.Extra["verification_type"]; !ok {
			info.Extra["verification_type"] = "Full"
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
