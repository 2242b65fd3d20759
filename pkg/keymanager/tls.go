package keymanager

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pkcs12"

	xcrypto "github.com/uptane-go/primary/pkg/crypto"
)

// TLSHandles names the scoped temp files backing one set of mutual-TLS
// credentials. They are valid for the Manager's lifetime and removed on
// Close.
type TLSHandles struct {
	CAPath   string
	CertPath string
	KeyPath  string
}

// TLSCredentials materializes the Store's TLS credential bytes as temp
// files under a Manager-owned directory, for handoff to the HTTP layer.
func (m *Manager) TLSCredentials(ctx context.Context) (*TLSHandles, error) {
	creds, err := m.store.LoadTLSCreds(ctx)
	if err != nil {
		return nil, fmt.Errorf("keymanager: load tls creds: %w", err)
	}
	if m.tempDir == "" {
		dir, err := os.MkdirTemp("", "uptane-primary-creds-")
		if err != nil {
			return nil, fmt.Errorf("keymanager: create scoped temp dir: %w", err)
		}
		m.tempDir = dir
	}
	write := func(name string, data []byte) (string, error) {
		path := filepath.Join(m.tempDir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", fmt.Errorf("keymanager: write %s: %w", name, err)
		}
		return path, nil
	}
	caPath, err := write("ca.pem", creds.CA)
	if err != nil {
		return nil, err
	}
	certPath, err := write("client.pem", creds.Cert)
	if err != nil {
		return nil, err
	}
	keyPath, err := write("client.key", creds.Key)
	if err != nil {
		return nil, err
	}
	return &TLSHandles{CAPath: caPath, CertPath: certPath, KeyPath: keyPath}, nil
}

// DecomposePKCS12 splits a PKCS#12 enrollment bundle (the `/devices`
// response, spec.md §6) into PEM-encoded CA, client certificate and private
// key bytes suitable for store.TLSCredentials.
func DecomposePKCS12(data []byte, password string) (ca, cert, key []byte, err error) {
	priv, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keymanager: decode pkcs12: %w", err)
	}
	cert = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})
	for _, c := range chain {
		ca = append(ca, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keymanager: marshal private key: %w", err)
	}
	key = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return ca, cert, key, nil
}

func publicKeyOf(signer crypto.Signer) (xcrypto.PublicKey, error) {
	switch pub := signer.Public().(type) {
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return xcrypto.PublicKey{}, fmt.Errorf("keymanager: marshal rsa public key: %w", err)
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		return xcrypto.PublicKey{
			KeyType: xcrypto.KeyTypeRSA,
			Scheme:  xcrypto.MethodRSASSAPSSSHA256,
			KeyVal:  xcrypto.KeyVal{Public: string(pemBytes)},
		}, nil
	case ed25519.PublicKey:
		return xcrypto.PublicKey{
			KeyType: xcrypto.KeyTypeEd25519,
			Scheme:  xcrypto.MethodEd25519,
			KeyVal:  xcrypto.KeyVal{Public: encodePub(pub)},
		}, nil
	default:
		return xcrypto.PublicKey{}, &xcrypto.BadInputError{Reason: "unsupported signer public key type"}
	}
}

func encodePub(raw []byte) string { return base64.StdEncoding.EncodeToString(raw) }
func encodeSig(raw []byte) string { return hex.EncodeToString(raw) }
