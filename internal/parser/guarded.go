package parser

import (
	"context"

	"github.com/fundgate/fundgate/internal/breaker"
	"github.com/fundgate/fundgate/internal/credit"
)

// Guarded runs every call to the inner parser through a circuit breaker.
type Guarded struct {
	inner   Parser
	breaker *breaker.Breaker
}

func NewGuarded(inner Parser, b *breaker.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: b}
}

func (g *Guarded) Parse(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error) {
	var res credit.ParseResult
	err := g.breaker.Do(func() error {
		var err error
		res, err = g.inner.Parse(ctx, pdf, filename)
		return err
	}, Countable)
	return res, err
}
