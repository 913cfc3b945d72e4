package pool

import (
	"errors"
	"fmt"
)

var (
	ErrHostNotWhitelisted = errors.New("host not in whitelist")
	ErrInvalidMFACode     = errors.New("invalid MFA code format: expected 6 digits")
	ErrInvalidCredentials = errors.New("invalid authentication method or missing credentials")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrPoolFull           = errors.New("connection pool is full")
)

// PolicyError is returned when a request is refused before any transport
// attempt is made.
type PolicyError struct {
	Host string
	Err  error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("host '%s': %v", e.Host, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
}
