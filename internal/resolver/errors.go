package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentic-research/portal/internal/db"
	"github.com/agentic-research/portal/internal/ident"
	"github.com/agentic-research/portal/internal/realm"
	"github.com/graph-gophers/graphql-go"
	"github.com/rs/zerolog"
)

// Error codes reported in the "code" extension.
const (
	CodeInvalidID     = "INVALID_ID"
	CodeNotFound      = "NOT_FOUND"
	CodeInvalidInput  = "INVALID_INPUT"
	CodePoolExhausted = "POOL_EXHAUSTED"
	CodeUnavailable   = "UNAVAILABLE"
	CodeStructure     = "STRUCTURE"
	CodeCancelled     = "CANCELLED"
	CodeInternal      = "INTERNAL"
)

var (
	errInvalidInput = errors.New("invalid input")
	errNotFound     = errors.New("not found")
)

func notFound(kind string, id graphql.ID) error {
	return fmt.Errorf("%w: %s %s", errNotFound, kind, id)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidInput, fmt.Sprintf(format, args...))
}

// Error is a resolver error as the client sees it.
type Error struct {
	Code    string
	Op      string
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// Extensions is picked up by graphql-go and reported next to the message.
func (e *Error) Extensions() map[string]any {
	return map[string]any{
		"code":      e.Code,
		"operation": e.Op,
	}
}

// Translate classifies err. Internal errors are logged to log, if given, and
// reported without detail.
func Translate(log *zerolog.Logger, op string, err error) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	e := &Error{Op: op, Message: err.Error(), err: err}
	switch {
	case errors.Is(err, ident.ErrMalformed), errors.Is(err, ident.ErrKindMismatch):
		e.Code = CodeInvalidID
	case errors.Is(err, errNotFound), errors.Is(err, realm.ErrNotFound):
		e.Code = CodeNotFound
	case errors.Is(err, errInvalidInput):
		e.Code = CodeInvalidInput
	case errors.Is(err, db.ErrPoolExhausted):
		e.Code = CodePoolExhausted
		e.Message = "server busy, try again later"
	case errors.Is(err, realm.ErrNoTree), errors.Is(err, db.ErrConnectivity):
		e.Code = CodeUnavailable
		e.Message = "service unavailable"
	case errors.Is(err, realm.ErrStructure):
		e.Code = CodeStructure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Code = CodeCancelled
		e.Message = "request cancelled"
	default:
		e.Code = CodeInternal
		e.Message = "internal server error"
	}
	if log != nil && (e.Code == CodeInternal || e.Code == CodeStructure || e.Code == CodeUnavailable) {
		log.Error().Err(err).Str("operation", op).Str("code", e.Code).Msg("resolver failed")
	}
	return e
}
