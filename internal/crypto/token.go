package crypto

import "encoding/hex"

// NewToken returns an unguessable hex token carrying n random bytes.
func NewToken(n int) string {
	return hex.EncodeToString(GenerateSalt(n))
}
