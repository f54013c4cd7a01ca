package history

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the SQLCipher raw key size in bytes.
const KeySize = 32

// DeriveKey derives the database key from the HISTORY_KEY secret using
// HKDF-SHA256. The secret should be high-entropy; it is not stretched.
//
// Parameters:
//   - secret: The configured history secret
//   - version: The key version, bumped when rotating
//
// Returns:
//   - []byte: A 32-byte key, deterministic for the inputs
func DeriveKey(secret []byte, version int) []byte {
	info := fmt.Sprintf("selfchanger-e2e:history:v%d", version)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}
