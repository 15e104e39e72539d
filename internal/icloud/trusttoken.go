package icloud

import (
	"os"
	"strings"

	"github.com/normalerweise/icloud-photos-sync/internal/apperr"
)

// TrustTokenStore persists the trust token as a single line in the data
// directory so subsequent runs skip MFA within the token's validity window.
type TrustTokenStore struct {
	Path string
}

// Load returns the stored token, or "" when none exists.
func (s TrustTokenStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindToken, "read trust token file", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s TrustTokenStore) Save(token string) error {
	if err := os.WriteFile(s.Path, []byte(token+"\n"), 0o600); err != nil {
		return apperr.Wrap(apperr.KindToken, "write trust token file", err)
	}
	return nil
}

// Clear removes the stored token. Used by --refresh-token.
func (s TrustTokenStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindToken, "remove trust token file", err)
	}
	return nil
}
