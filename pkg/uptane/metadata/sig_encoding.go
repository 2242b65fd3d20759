package metadata

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// decodeHexOrBase64 accepts either encoding for a signature string: the
// TUF spec uses hex, but some ecosystem tooling in the retrieved corpus
// emits base64, so both are tolerated on read.
func decodeHexOrBase64(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("signature %q is neither hex nor base64", s)
}
