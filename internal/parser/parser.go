// Package parser turns credit-report PDFs into per-bureau structured data.
package parser

import (
	"context"
	"errors"
	"fmt"

	"github.com/fundgate/fundgate/internal/credit"
)

// Parser extracts bureau data from a single PDF. A nil error with
// ParseResult.OK false means the document was read but rejected.
type Parser interface {
	Parse(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error)
}

// Func adapts a function to Parser.
type Func func(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error)

func (f Func) Parse(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error) {
	return f(ctx, pdf, filename)
}

// StatusError is a non-2xx response from the upstream model API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("model api status %d: %s", e.Code, body)
}

// Countable reports whether err should count against the circuit breaker.
// Upstream responses below 500 are the caller's fault and do not.
func Countable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
