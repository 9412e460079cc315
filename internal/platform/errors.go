package platform

import (
	"errors"
	"fmt"
	"net/http"

	"decora-wifi/internal/infra/leviton"
)

// ErrDecora is the base of every failure raised by the session holder.
var ErrDecora = errors.New("decora_wifi")

var (
	// ErrCommFailed means the myLeviton service could not be reached or
	// answered with an error.
	ErrCommFailed = fmt.Errorf("%w: communication with myLeviton failed", ErrDecora)
	// ErrLoginFailed means the service rejected the credentials.
	ErrLoginFailed = fmt.Errorf("%w: myLeviton login failed", ErrDecora)
	// ErrLoginMismatch means a login succeeded for a different user than the
	// one the config entry was created for.
	ErrLoginMismatch = fmt.Errorf("%w: user id does not match the configured account", ErrDecora)
	// ErrSessionNotFound means no session holder is loaded for an entry.
	ErrSessionNotFound = fmt.Errorf("%w: session not found", ErrDecora)
)

func commFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrCommFailed, err)
}

// IsSessionExpired reports whether err means the session token is no longer
// accepted and a fresh login is needed.
func IsSessionExpired(err error) bool {
	var apiErr *leviton.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized
	}
	return errors.Is(err, leviton.ErrNotLoggedIn)
}
