package crypto

import (
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// CertInfo is the subset of an X.509 device certificate the key manager
// exposes: subject CN (used as a fallback device id), business category
// (the businessCategory subject attribute, OID 2.5.4.15, some fleets use to
// flag staging vs production devices), and validity window.
type CertInfo struct {
	SubjectCN        string
	BusinessCategory string
	NotBefore        time.Time
	NotAfter         time.Time
	Issuer           string
}

// X509Extract parses a PEM-encoded certificate and extracts the fields the
// Provisioner and Key Manager need. Malformed PEM or an unparsable
// certificate is a BadInputError.
func X509Extract(certPEM []byte) (CertInfo, error) {
	cert, err := cryptoutils.UnmarshalCertificatesFromPEM(certPEM)
	if err != nil || len(cert) == 0 {
		return CertInfo{}, &BadInputError{Reason: fmt.Sprintf("parse certificate: %v", err)}
	}
	c := cert[0]

	var bc string
	for _, atv := range c.Subject.Names {
		if atv.Type.Equal(asn1.ObjectIdentifier{2, 5, 4, 15}) {
			if s, ok := atv.Value.(string); ok {
				bc = s
			}
			break
		}
	}

	return CertInfo{
		SubjectCN:        c.Subject.CommonName,
		BusinessCategory: bc,
		NotBefore:        c.NotBefore,
		NotAfter:         c.NotAfter,
		Issuer:           c.Issuer.CommonName,
	}, nil
}
