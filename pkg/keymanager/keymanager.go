// Package keymanager owns the Primary's device TLS credentials and Uptane
// signing key (spec.md §4.2). Keys live either as Store-resident bytes
// (software keys) or behind a PKCS#11 provider; callers never see which.
package keymanager

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ThalesIgnite/crypto11"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
	"github.com/uptane-go/primary/pkg/store"
)

// Config selects software keys (all fields empty) or a PKCS#11 provider.
type Config struct {
	PKCS11ModulePath string
	PKCS11TokenLabel string
	PKCS11Pin        string
	PKCS11KeyLabel   string
}

func (c Config) usesPKCS11() bool { return c.PKCS11ModulePath != "" }

// Manager materializes TLS credential handles and produces Uptane
// signatures, backed by either the Store or a PKCS#11 token.
type Manager struct {
	store store.Store
	cfg   Config

	pkcs11Ctx *crypto11.Context
	tempDir   string
}

// New builds a Manager. If cfg names a PKCS#11 module it is configured
// immediately; a failure to reach the token is returned rather than
// silently falling back to software keys.
func New(st store.Store, cfg Config) (*Manager, error) {
	m := &Manager{store: st, cfg: cfg}
	if cfg.usesPKCS11() {
		ctx, err := crypto11.Configure(&crypto11.Config{
			Path:       cfg.PKCS11ModulePath,
			TokenLabel: cfg.PKCS11TokenLabel,
			Pin:        cfg.PKCS11Pin,
		})
		if err != nil {
			return nil, fmt.Errorf("keymanager: configure pkcs11: %w", err)
		}
		m.pkcs11Ctx = ctx
	}
	return m, nil
}

// Close releases the PKCS#11 session and any scoped temp credential files.
func (m *Manager) Close() error {
	var err error
	if m.tempDir != "" {
		err = os.RemoveAll(m.tempDir)
	}
	if m.pkcs11Ctx != nil {
		if cerr := m.pkcs11Ctx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (m *Manager) signer(ctx context.Context) (crypto.Signer, xcrypto.PublicKey, error) {
	if m.pkcs11Ctx != nil {
		signer, err := m.pkcs11Ctx.FindKeyPair(nil, []byte(m.cfg.PKCS11KeyLabel))
		if err != nil {
			return nil, xcrypto.PublicKey{}, fmt.Errorf("keymanager: find pkcs11 keypair %q: %w", m.cfg.PKCS11KeyLabel, err)
		}
		pub, err := publicKeyOf(signer)
		if err != nil {
			return nil, xcrypto.PublicKey{}, err
		}
		return signer, pub, nil
	}

	keys, err := m.store.LoadPrimaryKeys(ctx)
	if err != nil {
		return nil, xcrypto.PublicKey{}, fmt.Errorf("keymanager: load primary keys: %w", err)
	}
	priv := ed25519.PrivateKey(keys.Private)
	pub := xcrypto.PublicKey{
		KeyType: xcrypto.KeyTypeEd25519,
		Scheme:  xcrypto.MethodEd25519,
		KeyVal:  xcrypto.KeyVal{Public: encodePub(keys.Public)},
	}
	return priv, pub, nil
}

// GenerateUptaneKeypair is idempotent: if a key is already stored (or the
// PKCS#11 token already has one under the configured label), it is left
// untouched.
func (m *Manager) GenerateUptaneKeypair(ctx context.Context) error {
	if m.pkcs11Ctx != nil {
		if _, err := m.pkcs11Ctx.FindKeyPair(nil, []byte(m.cfg.PKCS11KeyLabel)); err == nil {
			return nil // already provisioned on the token
		}
		_, err := m.pkcs11Ctx.GenerateRSAKeyPairWithLabel(nil, []byte(m.cfg.PKCS11KeyLabel), 2048)
		return err
	}

	if _, err := m.store.LoadPrimaryKeys(ctx); err == nil {
		return nil // already generated
	} else if err != store.ErrNotFound {
		return fmt.Errorf("keymanager: load primary keys: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keymanager: generate keypair: %w", err)
	}
	return m.store.StorePrimaryKeys(ctx, store.PrimaryKeys{Public: []byte(pub), Private: []byte(priv)})
}

// UptanePublicKey returns the Primary's Uptane signing public key.
func (m *Manager) UptanePublicKey(ctx context.Context) (xcrypto.PublicKey, error) {
	_, pub, err := m.signer(ctx)
	return pub, err
}

// SignedEnvelope is the wire shape uptane_sign produces.
type SignedEnvelope struct {
	Signed     json.RawMessage     `json:"signed"`
	Signatures []xcrypto.Signature `json:"signatures"`
}

// UptaneSign canonicalizes value and signs it with the Primary's Uptane key.
func (m *Manager) UptaneSign(ctx context.Context, value interface{}) (*SignedEnvelope, error) {
	signer, pub, err := m.signer(ctx)
	if err != nil {
		return nil, err
	}
	canonical, err := xcrypto.CanonicalJSON(value)
	if err != nil {
		return nil, fmt.Errorf("keymanager: canonicalize: %w", err)
	}
	method, sig, err := xcrypto.Sign(signer, canonical)
	if err != nil {
		return nil, fmt.Errorf("keymanager: sign: %w", err)
	}
	keyID, err := xcrypto.KeyID(pub)
	if err != nil {
		return nil, err
	}
	return &SignedEnvelope{
		Signed:     canonical,
		Signatures: []xcrypto.Signature{{KeyID: keyID, Method: method, Sig: encodeSig(sig)}},
	}, nil
}

// DeviceCN returns the device TLS certificate's subject common name.
func (m *Manager) DeviceCN(ctx context.Context) (string, error) {
	info, err := m.CertInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.SubjectCN, nil
}

// DeviceBC returns the device TLS certificate's business category.
func (m *Manager) DeviceBC(ctx context.Context) (string, error) {
	info, err := m.CertInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.BusinessCategory, nil
}

// CertInfo extracts subject/issuer/validity fields from the stored device
// certificate.
func (m *Manager) CertInfo(ctx context.Context) (xcrypto.CertInfo, error) {
	creds, err := m.store.LoadTLSCreds(ctx)
	if err != nil {
		return xcrypto.CertInfo{}, fmt.Errorf("keymanager: load tls creds: %w", err)
	}
	return xcrypto.X509Extract(creds.Cert)
}
