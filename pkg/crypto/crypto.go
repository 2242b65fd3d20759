// Package crypto implements the signing, verification and hashing
// primitives the Uptane metadata engine relies on: RSASSA-PSS and Ed25519
// signatures over canonical JSON, SHA-256/512 digests, and TUF key ids.
package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

// Method identifies the signing scheme recorded in a signature envelope.
type Method string

const (
	MethodRSASSAPSSSHA256 Method = "rsassa-pss-sha256"
	MethodEd25519         Method = "ed25519"
)

// KeyType identifies the public key algorithm family.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
)

// BadInputError reports malformed key material or signature encodings.
// Verify returns this only for malformed inputs (a key of the wrong type for
// the method, an unsupported method); a mismatched signature simply yields
// false.
type BadInputError struct {
	Reason string
}

func (e *BadInputError) Error() string { return "crypto: bad input: " + e.Reason }

// PublicKey is the canonical JSON-serializable key object TUF hashes to
// derive a key id: {"keytype":..., "scheme":..., "keyval":{"public": ...}}.
type PublicKey struct {
	KeyType KeyType `json:"keytype"`
	Scheme  Method  `json:"scheme"`
	KeyVal  KeyVal  `json:"keyval"`
}

type KeyVal struct {
	Public string `json:"public"`
}

// Signature is one entry of a SignedMetadata envelope's "signatures" list.
type Signature struct {
	KeyID  string `json:"keyid"`
	Method Method `json:"method"`
	Sig    string `json:"sig"`
}

// CanonicalJSON produces the deterministic encoding used for hashing and
// signing: sorted keys, minimal whitespace, fixed number formatting.
func CanonicalJSON(v interface{}) ([]byte, error) {
	b, err := cjson.EncodeCanonical(v)
	if err != nil {
		return nil, &BadInputError{Reason: fmt.Sprintf("canonicalize: %v", err)}
	}
	return b, nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA512Hex returns the lowercase hex SHA-512 digest of data.
func SHA512Hex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// KeyID returns the hex SHA-256 digest of the canonical JSON encoding of
// the public key object, the TUF convention for identifying keys.
func KeyID(pub PublicKey) (string, error) {
	b, err := CanonicalJSON(pub)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// Sign produces a signature over the canonical bytes using the supplied
// private key. The key's public half (not its concrete Go type) decides the
// scheme, so a crypto.Signer backed by a PKCS#11 token signs exactly like an
// in-memory one: RSA keys sign with RSASSA-PSS, Ed25519 keys sign directly.
func Sign(key crypto.Signer, canonical []byte) (Method, []byte, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(canonical)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if k, ok := key.(*rsa.PrivateKey); ok {
			sig, err := rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest[:], opts)
			if err != nil {
				return "", nil, &BadInputError{Reason: fmt.Sprintf("rsa-pss sign: %v", err)}
			}
			return MethodRSASSAPSSSHA256, sig, nil
		}
		sig, err := key.Sign(rand.Reader, digest[:], opts)
		if err != nil {
			return "", nil, &BadInputError{Reason: fmt.Sprintf("rsa-pss sign: %v", err)}
		}
		return MethodRSASSAPSSSHA256, sig, nil
	case ed25519.PublicKey:
		if k, ok := key.(ed25519.PrivateKey); ok {
			return MethodEd25519, ed25519.Sign(k, canonical), nil
		}
		sig, err := key.Sign(rand.Reader, canonical, crypto.Hash(0))
		if err != nil {
			return "", nil, &BadInputError{Reason: fmt.Sprintf("ed25519 sign: %v", err)}
		}
		return MethodEd25519, sig, nil
	default:
		return "", nil, &BadInputError{Reason: "unsupported signer public key type"}
	}
}

// ParsePublicKey decodes a TUF key object's keyval.public field into a
// usable crypto.PublicKey: raw base64 bytes for Ed25519, PEM/PKIX for RSA.
func ParsePublicKey(pub PublicKey) (crypto.PublicKey, error) {
	switch pub.KeyType {
	case KeyTypeEd25519:
		raw, err := base64.StdEncoding.DecodeString(pub.KeyVal.Public)
		if err != nil {
			if raw, err = hex.DecodeString(pub.KeyVal.Public); err != nil {
				return nil, &BadInputError{Reason: fmt.Sprintf("decode ed25519 key: %v", err)}
			}
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, &BadInputError{Reason: "ed25519 key has wrong length"}
		}
		return ed25519.PublicKey(raw), nil
	case KeyTypeRSA:
		block, _ := pem.Decode([]byte(pub.KeyVal.Public))
		if block == nil {
			return nil, &BadInputError{Reason: "rsa key is not PEM-encoded"}
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, &BadInputError{Reason: fmt.Sprintf("parse rsa key: %v", err)}
		}
		rsaPub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, &BadInputError{Reason: "pem block is not an RSA public key"}
		}
		return rsaPub, nil
	default:
		return nil, &BadInputError{Reason: fmt.Sprintf("unsupported keytype %q", pub.KeyType)}
	}
}

// Verify checks a signature against canonical bytes. It never returns an
// error for a mismatched signature — only false. An error is reserved for
// malformed inputs (a key of the wrong type for the method, an unsupported
// method); a wrong-length Ed25519 signature also yields false.
func Verify(pub crypto.PublicKey, method Method, canonical, sig []byte) (bool, error) {
	switch method {
	case MethodRSASSAPSSSHA256:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, &BadInputError{Reason: "key is not RSA for rsassa-pss-sha256"}
		}
		digest := sha256.Sum256(canonical)
		err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       crypto.SHA256,
		})
		return err == nil, nil
	case MethodEd25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, &BadInputError{Reason: "key is not Ed25519 for ed25519 method"}
		}
		if len(sig) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(edPub, canonical, sig), nil
	default:
		return false, &BadInputError{Reason: fmt.Sprintf("unsupported method %q", method)}
	}
}
