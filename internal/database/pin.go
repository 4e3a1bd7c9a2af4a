package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for voicemail PIN hashing. PINs are short, so a
// memory-hard hash is what keeps offline guessing expensive.
const (
	pinHashTime    = 3
	pinHashMemory  = 64 * 1024 // KiB
	pinHashThreads = 4
	pinHashKeyLen  = 32
	pinHashSaltLen = 16
)

// HashPIN hashes a voicemail PIN with Argon2id. The result is a
// self-describing string:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
func HashPIN(pin string) (string, error) {
	salt := make([]byte, pinHashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(pin), salt, pinHashTime, pinHashMemory, pinHashThreads, pinHashKeyLen)

	var b strings.Builder
	fmt.Fprintf(&b, "$argon2id$v=%d$", argon2.Version)
	fmt.Fprintf(&b, "m=%d,t=%d,p=%d$", pinHashMemory, pinHashTime, pinHashThreads)
	b.WriteString(base64.RawStdEncoding.EncodeToString(salt))
	b.WriteByte('$')
	b.WriteString(base64.RawStdEncoding.EncodeToString(key))
	return b.String(), nil
}

// CheckPIN verifies a PIN against a stored Argon2id hash in constant
// time. A malformed stored hash is an error, not a mismatch.
func CheckPIN(pin, encoded string) (bool, error) {
	salt, want, memory, iters, threads, err := parsePINHash(encoded)
	if err != nil {
		return false, err
	}

	got := argon2.IDKey([]byte(pin), salt, iters, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func parsePINHash(encoded string) (salt, hash []byte, memory, iters uint32, threads uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		err = fmt.Errorf("malformed pin hash")
		return
	}
	if parts[1] != "argon2id" {
		err = fmt.Errorf("unsupported hash algorithm %q", parts[1])
		return
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		err = fmt.Errorf("parsing hash version: %w", err)
		return
	}
	if version != argon2.Version {
		err = fmt.Errorf("unsupported argon2 version %d", version)
		return
	}

	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iters, &threads); err != nil {
		err = fmt.Errorf("parsing hash parameters: %w", err)
		return
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		err = fmt.Errorf("decoding salt: %w", err)
		return
	}
	if hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		err = fmt.Errorf("decoding hash: %w", err)
		return
	}
	return
}
