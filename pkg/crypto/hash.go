package crypto

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when an encoded hash cannot be parsed.
var ErrMalformedHash = errors.New("crypto: malformed argon2id hash")

var b64 = base64.RawStdEncoding

// HashSecret returns the PHC-style encoding of an Argon2id hash of secret:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashSecret(secret []byte, p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	salt, err := RandomBytes(SaltLength)
	if err != nil {
		return "", err
	}
	sum := argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads, b64.EncodeToString(salt), b64.EncodeToString(sum)), nil
}

// VerifySecret reports whether secret matches an encoding produced by HashSecret.
func VerifySecret(secret []byte, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, uint32(len(want)))
	defer SecureWipe(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHash(encoded string) (Params, []byte, []byte, error) {
	var p Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	if err := p.Validate(); err != nil {
		return p, nil, nil, ErrMalformedHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	sum, err := b64.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	return p, salt, sum, nil
}
