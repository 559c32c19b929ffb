package guild

import (
	"os"
	"strings"

	"github.com/teranos/grimoire/errors"
)

// SecretStore turns a credential reference into the secret it names.
// Configs store references only; raw tokens never touch the database.
type SecretStore interface {
	Resolve(credentialRef string) (string, error)
}

// EnvSecretStore resolves references against the process environment.
// References may carry an explicit "env:" prefix; bare names are
// treated as environment variable names too.
type EnvSecretStore struct{}

// Resolve returns the secret for the reference. An empty reference
// resolves to no secret, which is valid for public repositories.
func (EnvSecretStore) Resolve(credentialRef string) (string, error) {
	ref := strings.TrimSpace(credentialRef)
	if ref == "" {
		return "", nil
	}
	name := strings.TrimPrefix(ref, "env:")
	if name == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "empty credential reference")
	}
	secret, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Newf("credential %q not set in environment", name)
	}
	return secret, nil
}
