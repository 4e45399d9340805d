package service

import (
	"errors"
	"fmt"

	"github.com/keygate/keygate/internal/store"
)

var (
	ErrNotFound         = errors.New("credential not found")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrEmptyUpdate      = errors.New("no fields to update")
	ErrCollision        = errors.New("secret hash collision, try again")
	ErrStoreUnavailable = errors.New("credential store unavailable")
	ErrInvalidSession   = errors.New("invalid or expired session")
)

// Reason explains why a credential was rejected.
type Reason string

const (
	ReasonInvalidFormat Reason = "invalid key format"
	ReasonNotFound      Reason = "key not found or inactive"
	ReasonQuotaExceeded Reason = "daily quota exceeded"
	ReasonRateLimited   Reason = "rate limit exceeded"
)

// storeErr maps a store error onto the service taxonomy. Anything other than
// a missing row means the store could not answer.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
