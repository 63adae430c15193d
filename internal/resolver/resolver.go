// Package resolver binds the GraphQL schema in api/schema.graphql to the
// realm tree and the database.
//
// Every root field is a Resolvable. The field methods on Query, Mutation and
// Subscription only name the operation and hand it to dispatch, which pulls
// the request Context out of the call context and translates errors into
// coded GraphQL errors. Transports attach the Context with reqctx.With
// before executing a document.
package resolver

import (
	"context"

	"github.com/agentic-research/portal/api"
	"github.com/agentic-research/portal/internal/reqctx"
	"github.com/graph-gophers/graphql-go"
)

// Resolvable is one GraphQL operation: it turns decoded arguments into a
// result using the request Context.
type Resolvable[In, Out any] interface {
	Resolve(ctx context.Context, c *reqctx.Context, in In) (Out, error)
}

// Func adapts a function to Resolvable.
type Func[In, Out any] func(ctx context.Context, c *reqctx.Context, in In) (Out, error)

// Resolve calls f.
func (f Func[In, Out]) Resolve(ctx context.Context, c *reqctx.Context, in In) (Out, error) {
	return f(ctx, c, in)
}

// dispatch runs r against the Context attached to ctx. Errors come back as
// *Error so the engine reports their code.
func dispatch[In, Out any](ctx context.Context, op string, r Resolvable[In, Out], in In) (Out, error) {
	var zero Out
	c, err := reqctx.From(ctx)
	if err != nil {
		return zero, Translate(nil, op, err)
	}
	out, err := r.Resolve(ctx, c, in)
	if err != nil {
		log := c.Logger()
		return zero, Translate(&log, op, err)
	}
	return out, nil
}

// Root is the resolver for all three operation types.
type Root struct {
	Query
	Mutation
	Subscription
}

// NewSchema parses api.Schema and binds it to Root. It fails if a field has
// no matching resolver method.
func NewSchema(opts ...graphql.SchemaOpt) (*graphql.Schema, error) {
	return graphql.ParseSchema(api.Schema, &Root{}, opts...)
}

type noArgs struct{}

type idArgs struct {
	ID graphql.ID
}
