package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	keyLen  = 32 // 256 bits
	saltLen = 16
)

// Params are the argon2id cost parameters recorded alongside every hash, so
// stored hashes stay verifiable after the defaults change.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams is used for share-link passwords.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

var errMalformedHash = errors.New("malformed password hash")

func deriveKey(password string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keyLen)
}

// GenerateSalt returns n random bytes.
func GenerateSalt(n int) []byte {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// HashPassword hashes password with a fresh salt. The result has the form
// argon2id$<time>$<memory>$<threads>$<salt>$<key> and never contains the
// cleartext.
func HashPassword(password string, p Params) string {
	salt := GenerateSalt(saltLen)
	key := deriveKey(password, salt, p)
	enc := base64.RawStdEncoding
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		p.Time, p.Memory, p.Threads, enc.EncodeToString(salt), enc.EncodeToString(key))
}

// VerifyPassword reports whether password matches a hash produced by
// HashPassword. Malformed hashes never verify.
func VerifyPassword(password, stored string) bool {
	p, salt, want, err := parseHash(stored)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, uint32(len(want)))
	return hmac.Equal(got, want)
}

func parseHash(stored string) (Params, []byte, []byte, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return Params{}, nil, nil, errMalformedHash
	}
	t, err1 := strconv.ParseUint(parts[1], 10, 32)
	m, err2 := strconv.ParseUint(parts[2], 10, 32)
	th, err3 := strconv.ParseUint(parts[3], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil || t == 0 || th == 0 {
		return Params{}, nil, nil, errMalformedHash
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, errMalformedHash
	}
	key, err := enc.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, errMalformedHash
	}
	return Params{Time: uint32(t), Memory: uint32(m), Threads: uint8(th)}, salt, key, nil
}
