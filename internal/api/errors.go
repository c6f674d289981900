package api

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a collaborator failure.
type Kind int

const (
	// KindTransport covers unreachable hosts, timeouts and broken connections.
	KindTransport Kind = iota + 1
	// KindAuth covers rejected credentials and expired or revoked tokens.
	KindAuth
	// KindShape covers responses that could not be interpreted.
	KindShape
	// KindServer covers every other non-success response.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindShape:
		return "shape"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is the failure half of every collaborator call.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s error (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err (or any error in its chain) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == k
	}
	return false
}

// transportError normalizes a failed round trip.
func transportError(op string, err error) *Error {
	msg := "network unreachable"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	} else if errors.Is(err, context.Canceled) {
		msg = "request canceled"
	}
	return &Error{Kind: KindTransport, Op: op, Message: msg, Err: err}
}

func shapeError(op string, err error) *Error {
	return &Error{Kind: KindShape, Op: op, Message: "unexpected response shape", Err: err}
}
