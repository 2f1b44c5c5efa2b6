package market

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a market gateway error carrying the HTTP status. The status
// drives the retry policy: 404 is a distinct terminal class, 5xx is
// transient, any other 4xx is permanent.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("market: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Status == http.StatusNotFound
}

// IsTransient reports whether err should be retried: gateway 5xx or any
// transport-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Status >= http.StatusInternalServerError
	}
	// Anything that never produced an HTTP status is a socket/IO error.
	return true
}
