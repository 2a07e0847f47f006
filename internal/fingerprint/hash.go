package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes keep hashes of different payload kinds from colliding.
const (
	DomainFormData   = "icsforms/form-data/v1"
	DomainValidation = "icsforms/validation/v1"
	DomainTemplate   = "icsforms/template/v1"
	DomainMigration  = "icsforms/migration/v1"
)

// Hash returns the hex SHA-256 of domain, a NUL separator, and payload.
func Hash(domain string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Of canonicalizes v and returns its hash together with the canonical bytes.
func Of(domain string, v any) (string, []byte, error) {
	payload, err := MarshalCanonical(v)
	if err != nil {
		return "", nil, err
	}
	return Hash(domain, payload), payload, nil
}
