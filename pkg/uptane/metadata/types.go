// Package metadata holds the typed Uptane/TUF Root, Timestamp, Snapshot,
// Targets and Delegation structures, plus the signature and threshold
// verification that turns raw JSON bytes into a trusted value.
package metadata

import (
	"encoding/json"
	"time"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
)

// RepositoryType distinguishes the two independent Uptane trust chains.
type RepositoryType string

const (
	Director RepositoryType = "director"
	Image    RepositoryType = "image"
)

// RoleName identifies a TUF role. Delegated Targets roles use their
// declared name directly (e.g. "community-signed").
type RoleName string

const (
	RoleRoot      RoleName = "root"
	RoleTimestamp RoleName = "timestamp"
	RoleSnapshot  RoleName = "snapshot"
	RoleTargets   RoleName = "targets"
)

// Envelope is the wire shape every role is delivered in:
// {"signed": {...}, "signatures": [...]}.
type Envelope struct {
	Signed     json.RawMessage    `json:"signed"`
	Signatures []xcrypto.Signature `json:"signatures"`
}

// roleHeader is the set of fields every Signed payload carries, used to
// sniff _type/version/expires before decoding the full role-specific body.
type roleHeader struct {
	Type        string    `json:"_type"`
	SpecVersion string    `json:"spec_version,omitempty"`
	Version     int       `json:"version"`
	Expires     time.Time `json:"expires"`
}

// RootRole names the key set and threshold required for one role within a
// Root document.
type RootRole struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// Root is the trust anchor: self-signed, double-signed across rotations.
type Root struct {
	Type               string                    `json:"_type"`
	SpecVersion        string                    `json:"spec_version,omitempty"`
	Version            int                       `json:"version"`
	Expires            time.Time                 `json:"expires"`
	ConsistentSnapshot bool                      `json:"consistent_snapshot"`
	Keys               map[string]xcrypto.PublicKey `json:"keys"`
	Roles              map[string]RootRole       `json:"roles"`

	raw json.RawMessage `json:"-"`
}

// KeySet returns the public keys and threshold trusted for role.
func (r *Root) KeySet(role RoleName) (keys map[string]xcrypto.PublicKey, threshold int, ok bool) {
	rr, present := r.Roles[string(role)]
	if !present {
		return nil, 0, false
	}
	keys = make(map[string]xcrypto.PublicKey, len(rr.KeyIDs))
	for _, kid := range rr.KeyIDs {
		if k, found := r.Keys[kid]; found {
			keys[kid] = k
		}
	}
	return keys, rr.Threshold, true
}

// FileMeta describes a referenced metadata file: version plus optional
// length and hash set used to pin the exact bytes expected.
type FileMeta struct {
	Version int               `json:"version"`
	Length  int64             `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

// Timestamp references the current Snapshot.
type Timestamp struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileMeta `json:"meta"`
}

// SnapshotVersion returns the version of the referenced snapshot.json, or
// false if it's not declared.
func (t *Timestamp) SnapshotVersion() (int, bool) {
	m, ok := t.Meta["snapshot.json"]
	if !ok {
		return 0, false
	}
	return m.Version, true
}

// Snapshot references Targets and delegated Targets files.
type Snapshot struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Meta    map[string]FileMeta `json:"meta"`
}

// TargetsVersion returns the version declared for targets.json.
func (s *Snapshot) TargetsVersion() (int, bool) {
	m, ok := s.Meta["targets.json"]
	if !ok {
		return 0, false
	}
	return m.Version, true
}

// TargetFile is one entry of a Targets role's target list.
type TargetFile struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

// TargetCustom is the subset of a Target's custom block the orchestrator
// understands; unknown fields round-trip through the raw json.RawMessage
// on TargetFile and are never required to parse.
type TargetCustom struct {
	HardwareID string `json:"hardwareIds,omitempty"`
	EcuSerial  string `json:"ecuIdentifier,omitempty"`
	URI        string `json:"uri,omitempty"`
	Format     string `json:"targetFormat,omitempty"`
}

// ParsedCustom decodes the TargetFile's custom block, ignoring fields it does
// not know about.
func (t TargetFile) ParsedCustom() TargetCustom {
	var c TargetCustom
	if len(t.Custom) == 0 {
		return c
	}
	_ = json.Unmarshal(t.Custom, &c)
	return c
}

// DelegatedRole names one child Targets role within a Delegations block.
type DelegatedRole struct {
	Name        string   `json:"name"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Paths       []string `json:"paths"`
	Terminating bool     `json:"terminating"`
}

// Delegations lists the ordered child Targets roles a parent Targets
// subordinates, along with their keys.
type Delegations struct {
	Keys  map[string]xcrypto.PublicKey `json:"keys"`
	Roles []DelegatedRole              `json:"roles"`
}

// KeySet returns the keys/threshold trusted for a named delegation.
func (d *Delegations) KeySet(name string) (keys map[string]xcrypto.PublicKey, threshold int, ok bool) {
	for _, r := range d.Roles {
		if r.Name == name {
			keys = make(map[string]xcrypto.PublicKey, len(r.KeyIDs))
			for _, kid := range r.KeyIDs {
				if k, found := d.Keys[kid]; found {
					keys[kid] = k
				}
			}
			return keys, r.Threshold, true
		}
	}
	return nil, 0, false
}

// Targets lists authorized target files, optionally delegating a subset
// of the namespace to child roles.
type Targets struct {
	Type        string                `json:"_type"`
	Version     int                   `json:"version"`
	Expires     time.Time             `json:"expires"`
	Targets     map[string]TargetFile `json:"targets"`
	Delegations *Delegations          `json:"delegations,omitempty"`
}
