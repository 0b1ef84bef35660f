package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/services/natsrpc"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindDuplicate
	KindDependency
	KindNotFound
)

const (
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeDependencyFailed    = "DEPENDENCY_FAILED"
	CodeNotFound            = "NOT_FOUND"
)

var kindInfo = map[ErrorKind]struct {
	status int
	code   string
}{
	KindInternal:       {http.StatusInternalServerError, CodeInternal},
	KindAuthentication: {http.StatusUnauthorized, CodeUnauthenticated},
	KindAuthorization:  {http.StatusForbidden, CodeForbidden},
	KindValidation:     {http.StatusBadRequest, CodeInvalidRequest},
	KindDuplicate:      {http.StatusOK, CodeDuplicateSubmission},
	KindDependency:     {http.StatusBadGateway, CodeDependencyFailed},
	KindNotFound:       {http.StatusNotFound, CodeNotFound},
}

// GatewayError is what every handler failure is reduced to before it is
// turned into a reply.
type GatewayError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Status() int {
	return kindInfo[e.Kind].status
}

func newError(kind ErrorKind, msg string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Code: kindInfo[kind].code, Message: msg, Err: err}
}

func ErrAuthentication(err error) *GatewayError {
	return newError(KindAuthentication, "unauthorized", err)
}

func ErrForbidden(msg string) *GatewayError {
	return newError(KindAuthorization, msg, nil)
}

func ErrValidation(msg string) *GatewayError {
	return newError(KindValidation, msg, nil)
}

func ErrDuplicate() *GatewayError {
	return newError(KindDuplicate, "duplicate submission", nil)
}

func ErrDependency(op string, err error) *GatewayError {
	return newError(KindDependency, op+" failed", err)
}

func ErrNotFound(what string) *GatewayError {
	return newError(KindNotFound, what+" not found", nil)
}

func ErrInternal(err error) *GatewayError {
	return newError(KindInternal, "internal server error", err)
}

// classify maps any error to a GatewayError. Sentinels from the services
// package keep their meaning; anything else is internal.
func classify(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return ErrAuthentication(err)
	case errors.Is(err, services.ErrNotMember):
		return newError(KindAuthorization, "not a member", err)
	case errors.Is(err, services.ErrNotFound):
		return newError(KindNotFound, "not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindDependency, "request timed out", err)
	}
	return ErrInternal(err)
}

// dependency wraps err from a remote call, keeping sentinel classification.
// A service that answered with an error is told apart from one that could not
// be reached.
func dependency(op string, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, services.ErrNotMember),
		errors.Is(err, services.ErrUnauthenticated):
		return fmt.Errorf("%s: %w", op, err)
	case natsrpc.IsRemote(err):
		return newError(KindDependency, op+" rejected", err)
	}
	return ErrDependency(op, err)
}
