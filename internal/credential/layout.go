package credential

import (
	"errors"
	"fmt"
)

// Persisted layout keys. Absence of any required key means "no session".
const (
	KeyAccessToken     = "accessToken"
	KeyRefreshToken    = "refreshToken"
	KeyExpiryInstant   = "expiryInstant"
	KeyRole            = "role"
	KeyIsAuthenticated = "isAuthenticated"
)

// LayoutKeys lists every key written for a session, in write order.
var LayoutKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyExpiryInstant,
	KeyRole,
	KeyIsAuthenticated,
}

// Clear deletes every layout key. Missing keys are not an error.
func Clear(s Store) error {
	var errs []error
	for _, key := range LayoutKeys {
		if err := s.Delete(key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clearing credentials: %w", errors.Join(errs...))
	}
	return nil
}

// Lookup returns the value for key, mapping ErrNotFound to ok=false.
func Lookup(s Store, key string) (value string, ok bool, err error) {
	value, err = s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
