package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
)

// verifyThreshold checks that at least threshold distinct valid signatures
// over canonical cover the signature list, using only keys present in
// keys. Unknown keyids are ignored (not counted, not an error).
func verifyThreshold(canonical []byte, sigs []xcrypto.Signature, keys map[string]xcrypto.PublicKey, threshold int) (int, error) {
	seen := map[string]bool{}
	valid := 0
	for _, sig := range sigs {
		if seen[sig.KeyID] {
			continue // same key signing twice doesn't count twice
		}
		pubKey, ok := keys[sig.KeyID]
		if !ok {
			continue
		}
		cryptoPub, err := xcrypto.ParsePublicKey(pubKey)
		if err != nil {
			continue
		}
		sigBytes, err := decodeSig(sig.Sig)
		if err != nil {
			continue
		}
		ok2, err := xcrypto.Verify(cryptoPub, sig.Method, canonical, sigBytes)
		if err != nil || !ok2 {
			continue
		}
		seen[sig.KeyID] = true
		valid++
	}
	if valid < threshold {
		return valid, newErr(ErrUnmetThreshold, "", fmt.Errorf("%d of required %d", valid, threshold))
	}
	return valid, nil
}

func decodeSig(s string) ([]byte, error) {
	return decodeHexOrBase64(s)
}

// peekHeader extracts _type/version/expires without fully decoding the
// role-specific body, so verification order (type check before full parse)
// matches spec.md §4.3.
func peekHeader(signed json.RawMessage) (roleHeader, error) {
	var h roleHeader
	if err := json.Unmarshal(signed, &h); err != nil {
		return h, newErr(ErrParse, "", err)
	}
	return h, nil
}

func checkExpiry(expires time.Time, role RoleName, now func() time.Time) error {
	if now().After(expires) {
		return newErr(ErrExpiredMetadata, string(role), fmt.Errorf("expired at %s", expires))
	}
	return nil
}

// ParseRoot verifies and decodes a Root document against the root keys and
// threshold it embeds itself (self-verification), returning the number of
// valid signatures. It takes no anchor: for a rotation the caller also
// checks the candidate against the previous Root with VerifyRootAgainst.
func ParseRoot(raw []byte) (*Root, int, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, newErr(ErrParse, "root", err)
	}
	hdr, err := peekHeader(env.Signed)
	if err != nil {
		return nil, 0, err
	}
	if hdr.Type != string(RoleRoot) {
		return nil, 0, newErr(ErrUnknownRole, hdr.Type, nil)
	}
	var root Root
	if err := json.Unmarshal(env.Signed, &root); err != nil {
		return nil, 0, newErr(ErrParse, "root", err)
	}
	root.raw = env.Signed

	keys, threshold, ok := root.KeySet(RoleRoot)
	if !ok {
		return nil, 0, newErr(ErrUnknownRole, "root", fmt.Errorf("root document has no root role"))
	}
	valid, err := verifyThreshold(env.Signed, env.Signatures, keys, threshold)
	if err != nil {
		return nil, valid, err
	}
	return &root, valid, nil
}

// VerifyRootAgainst checks that candidate (version N+1) is validly signed
// by the threshold of anchor's (version N) root keys. Used for rotation.
func VerifyRootAgainst(rawCandidate []byte, anchor *Root) (int, error) {
	var env Envelope
	if err := json.Unmarshal(rawCandidate, &env); err != nil {
		return 0, newErr(ErrParse, "root", err)
	}
	keys, threshold, ok := anchor.KeySet(RoleRoot)
	if !ok {
		return 0, newErr(ErrUnknownRole, "root", fmt.Errorf("anchor has no root role"))
	}
	return verifyThreshold(env.Signed, env.Signatures, keys, threshold)
}

// ParseTimestamp verifies and decodes Timestamp against the given Root.
func ParseTimestamp(raw []byte, root *Root, now func() time.Time) (*Timestamp, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newErr(ErrParse, "timestamp", err)
	}
	hdr, err := peekHeader(env.Signed)
	if err != nil {
		return nil, err
	}
	if hdr.Type != string(RoleTimestamp) {
		return nil, newErr(ErrUnknownRole, hdr.Type, nil)
	}
	keys, threshold, ok := root.KeySet(RoleTimestamp)
	if !ok {
		return nil, newErr(ErrUnknownRole, "timestamp", fmt.Errorf("root has no timestamp role"))
	}
	if _, err := verifyThreshold(env.Signed, env.Signatures, keys, threshold); err != nil {
		return nil, err
	}
	var ts Timestamp
	if err := json.Unmarshal(env.Signed, &ts); err != nil {
		return nil, newErr(ErrParse, "timestamp", err)
	}
	if err := checkExpiry(ts.Expires, RoleTimestamp, now); err != nil {
		return nil, err
	}
	return &ts, nil
}

// ParseSnapshot verifies and decodes Snapshot against Root and the
// Timestamp-declared hash/version for snapshot.json.
func ParseSnapshot(raw []byte, root *Root, ts *Timestamp, now func() time.Time) (*Snapshot, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newErr(ErrParse, "snapshot", err)
	}
	hdr, err := peekHeader(env.Signed)
	if err != nil {
		return nil, err
	}
	if hdr.Type != string(RoleSnapshot) {
		return nil, newErr(ErrUnknownRole, hdr.Type, nil)
	}
	keys, threshold, ok := root.KeySet(RoleSnapshot)
	if !ok {
		return nil, newErr(ErrUnknownRole, "snapshot", fmt.Errorf("root has no snapshot role"))
	}
	if _, err := verifyThreshold(env.Signed, env.Signatures, keys, threshold); err != nil {
		return nil, err
	}
	if meta, declared := ts.Meta["snapshot.json"]; declared {
		if err := verifyFileMeta(env.Signed, meta); err != nil {
			return nil, err
		}
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Signed, &snap); err != nil {
		return nil, newErr(ErrParse, "snapshot", err)
	}
	if wantVersion, ok := ts.SnapshotVersion(); ok && snap.Version != wantVersion {
		return nil, newErr(ErrVersionMismatch, "snapshot", fmt.Errorf("snapshot.version=%d want %d", snap.Version, wantVersion))
	}
	if err := checkExpiry(snap.Expires, RoleSnapshot, now); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ParseTargets verifies and decodes a top-level Targets against Root and,
// when the Snapshot declares a hash for targets.json, that hash.
func ParseTargets(raw []byte, root *Root, snap *Snapshot, now func() time.Time) (*Targets, error) {
	var meta *FileMeta
	if snap != nil {
		if m, declared := snap.Meta["targets.json"]; declared {
			meta = &m
		}
	}
	keys, threshold, ok := root.KeySet(RoleTargets)
	if !ok {
		return nil, newErr(ErrUnknownRole, "targets", fmt.Errorf("root has no targets role"))
	}
	return parseTargetsWithAnchor(raw, "targets", keys, threshold, meta, snap, now)
}

// ParseDelegatedTargets verifies a delegated Targets role against the
// parent's delegations block and, when the Snapshot declares one, the
// delegated role's file hash.
func ParseDelegatedTargets(raw []byte, name string, parent *Delegations, snap *Snapshot, now func() time.Time) (*Targets, error) {
	keys, threshold, ok := parent.KeySet(name)
	if !ok {
		return nil, newErr(ErrUnknownRole, name, fmt.Errorf("not present in parent delegations"))
	}
	var meta *FileMeta
	if snap != nil {
		if m, declared := snap.Meta[name+".json"]; declared {
			meta = &m
		}
	}
	return parseTargetsWithAnchor(raw, name, keys, threshold, meta, snap, now)
}

func parseTargetsWithAnchor(raw []byte, roleName string, keys map[string]xcrypto.PublicKey, threshold int, meta *FileMeta, snap *Snapshot, now func() time.Time) (*Targets, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newErr(ErrParse, roleName, err)
	}
	hdr, err := peekHeader(env.Signed)
	if err != nil {
		return nil, err
	}
	if hdr.Type != string(RoleTargets) {
		return nil, newErr(ErrUnknownRole, hdr.Type, nil)
	}
	if _, err := verifyThreshold(env.Signed, env.Signatures, keys, threshold); err != nil {
		return nil, err
	}
	if meta != nil {
		if err := verifyFileMeta(env.Signed, *meta); err != nil {
			return nil, err
		}
	}
	var t Targets
	if err := json.Unmarshal(env.Signed, &t); err != nil {
		return nil, newErr(ErrParse, roleName, err)
	}
	if snap != nil {
		key := roleName + ".json"
		if wantVersion, declared := snap.Meta[key]; declared && t.Version != wantVersion.Version {
			return nil, newErr(ErrVersionMismatch, roleName, fmt.Errorf("%s.version=%d want %d", roleName, t.Version, wantVersion.Version))
		}
	}
	if err := checkExpiry(t.Expires, RoleTargets, now); err != nil {
		return nil, err
	}
	return &t, nil
}

// verifyFileMeta checks that canonical hashes of content match every hash
// FileMeta declares (SHA-256 required, SHA-512 checked when present), and
// that the length matches when FileMeta declares one.
func verifyFileMeta(content []byte, meta FileMeta) error {
	if meta.Length > 0 && int64(len(content)) != meta.Length {
		return newErr(ErrBadHash, "", fmt.Errorf("length %d want %d", len(content), meta.Length))
	}
	for alg, want := range meta.Hashes {
		got, err := hashHex(alg, content)
		if err != nil {
			continue // unknown algorithm in the declared set; sha256 still enforced below
		}
		if got != want {
			return newErr(ErrBadHash, "", fmt.Errorf("%s mismatch", alg))
		}
	}
	if _, declaredSHA256 := meta.Hashes["sha256"]; !declaredSHA256 && len(meta.Hashes) > 0 {
		return newErr(ErrBadHash, "", fmt.Errorf("sha256 hash not declared"))
	}
	return nil
}

func hashHex(alg string, content []byte) (string, error) {
	switch alg {
	case "sha256":
		return xcrypto.SHA256Hex(content), nil
	case "sha512":
		return xcrypto.SHA512Hex(content), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}
