package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnsupportedHash is returned when a stored password hash is not argon2id.
var ErrUnsupportedHash = errors.New("unsupported password hash")

// passwordParams follow the OWASP minimum for Argon2id:
// 46 MiB memory, one iteration, one lane.
var passwordParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashPassword returns an argon2id PHC string for password.
func HashPassword(password string) (string, error) {
	return argon2id.CreateHash(password, passwordParams)
}

// VerifyPassword reports whether password matches the stored PHC hash.
// Malformed hashes return an error instead of panicking.
func VerifyPassword(password, hash string) (match bool, err error) {
	if !strings.HasPrefix(hash, "$argon2id$") {
		return false, ErrUnsupportedHash
	}
	// argon2 panics on hashes with zero time or thread parameters.
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(password, hash)
}
