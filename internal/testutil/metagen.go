// Package testutil builds small signed Uptane metadata fixtures for unit
// and integration tests. It is the in-repo analogue of the
// uptane_generator auxiliary tool named (and kept external) in spec.md §1 —
// intentionally minimal, used only from _test.go files.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
)

// KeyPair bundles a generated Ed25519 key with its TUF key id and object.
type KeyPair struct {
	ID      string
	Public  xcrypto.PublicKey
	private ed25519.PrivateKey
}

// NewKeyPair generates a fresh Ed25519 signing key for tests.
func NewKeyPair() KeyPair {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	pk := xcrypto.PublicKey{
		KeyType: xcrypto.KeyTypeEd25519,
		Scheme:  xcrypto.MethodEd25519,
		KeyVal:  xcrypto.KeyVal{Public: base64.StdEncoding.EncodeToString(pub)},
	}
	id, err := xcrypto.KeyID(pk)
	if err != nil {
		panic(err)
	}
	return KeyPair{ID: id, Public: pk, private: priv}
}

// Sign produces a hex-encoded signature envelope entry over body.
func (k KeyPair) Sign(body []byte) xcrypto.Signature {
	method, sig, err := xcrypto.Sign(k.private, body)
	if err != nil {
		panic(err)
	}
	return xcrypto.Signature{KeyID: k.ID, Method: method, Sig: hex.EncodeToString(sig)}
}

// Envelope canonicalizes signed and wraps it with signatures from signers.
func Envelope(signed interface{}, signers ...KeyPair) []byte {
	body, err := xcrypto.CanonicalJSON(signed)
	if err != nil {
		panic(err)
	}
	env := struct {
		Signed     json.RawMessage    `json:"signed"`
		Signatures []xcrypto.Signature `json:"signatures"`
	}{Signed: body}
	for _, k := range signers {
		env.Signatures = append(env.Signatures, k.Sign(body))
	}
	out, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return out
}

// FarFuture is a stable expiry far enough out that fixtures never expire
// mid-test-run.
var FarFuture = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
