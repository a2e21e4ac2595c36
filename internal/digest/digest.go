package digest

import (
	"encoding/base64"

	"golang.org/x/crypto/blake2b"

	"hashrelay/internal/domain"
)

// Sum returns the BLAKE2b-512 digest of payload.
func Sum(payload []byte) domain.Digest {
	return domain.Digest(blake2b.Sum512(payload))
}

// Encode renders d as standard base64, the form carried in a ResultMessage.
func Encode(d domain.Digest) string {
	return base64.StdEncoding.EncodeToString(d[:])
}
