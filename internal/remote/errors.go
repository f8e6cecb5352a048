package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches an *Error whose status is 404.
var ErrNotFound = errors.New("task not found on remote")

// Error codes carried in the JSON error body.
const (
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

// Error is a non-2xx response from the remote data service.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error: status=%d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote error: status=%d code=%s %s", e.Status, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// IsNotFound reports whether err is a 404 from the remote service.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermanent reports whether err is a logical rejection that a retry cannot
// fix: any 4xx except request timeout and rate limiting. Transport errors and
// 5xx responses are transient.
func IsPermanent(err error) bool {
	var rerr *Error
	if !errors.As(err, &rerr) {
		return false
	}
	switch rerr.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return rerr.Status >= 400 && rerr.Status < 500
}
