// Package fetcherr defines the canonical error kinds that fetch and mutation
// functions report to the query cache.
//
// Server payloads describe failures in many shapes. They are decoded into one of
// the three kinds here at the fetch boundary, so the cache only ever sees a
// NetworkError, a ServerError or a DecodeError.
package fetcherr

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags a fetch failure.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindServer
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// NetworkError is a transport failure: the request never produced a response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %v", e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// DecodeError is a malformed payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Network wraps err as a NetworkError.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// Server builds a ServerError.
func Server(status int, message string) error {
	return &ServerError{Status: status, Message: message}
}

// Decode wraps err as a DecodeError.
func Decode(err error) error {
	return &DecodeError{Err: err}
}

// KindOf reports the kind of err, or 0 if err is not a fetch error.
func KindOf(err error) Kind {
	var netErr *NetworkError
	var srvErr *ServerError
	var decErr *DecodeError
	switch {
	case errors.As(err, &srvErr):
		return KindServer
	case errors.As(err, &decErr):
		return KindDecode
	case errors.As(err, &netErr):
		return KindNetwork
	default:
		return 0
	}
}

// Classify returns err unchanged if it already carries a canonical kind, and
// otherwise wraps it as a NetworkError. Context errors are treated as transport
// failures.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &NetworkError{Op: "request", Err: err}
	}
	return &NetworkError{Err: err}
}

// IsStatus reports whether err is a ServerError with the given status.
func IsStatus(err error, status int) bool {
	var srvErr *ServerError
	return errors.As(err, &srvErr) && srvErr.Status == status
}
