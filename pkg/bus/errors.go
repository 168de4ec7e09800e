package bus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/redis/go-redis/v9"
)

// ValidationError reports malformed input caught before any store interaction.
// Callers can use errors.As to extract the entity and field:
//
//	var verr *bus.ValidationError
//	if errors.As(err, &verr) && verr.Field == "confidence" { ... }
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// Bus operations report absence as (nil, nil) or false; this is for callers
// that drop down to the raw Redis client.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsStoreUnavailable reports whether err means the store could not be reached,
// as opposed to a bad command or a decoding problem.
func IsStoreUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
