package signing

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashPassword returns the lowercase hex SHA-256 digest of password. Clients
// of the stats endpoint may send this digest instead of the plaintext.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// PasswordMatches compares a supplied credential against the configured
// secret. Exactly one of password or passwordHash is expected; when both are
// set the plaintext wins. Both forms are reduced to SHA-256 digests so the
// comparison always runs over equal-length inputs.
func PasswordMatches(secret, password, passwordHash string) bool {
	if secret == "" {
		return false
	}

	var supplied []byte
	switch {
	case password != "":
		sum := sha256.Sum256([]byte(password))
		supplied = sum[:]
	case passwordHash != "":
		decoded, err := hex.DecodeString(strings.ToLower(passwordHash))
		if err != nil || len(decoded) != sha256.Size {
			return false
		}
		supplied = decoded
	default:
		return false
	}

	expected := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(expected[:], supplied) == 1
}
