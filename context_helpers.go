package batchq

import "context"

func normalizeContext(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ctx, nil
}

type actorKey struct{}

// WithActor tags the context with the actor performing the current
// operation. The audit sink reads it back to attribute changes; there is no
// ambient global equivalent.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set with WithActor, or "" if none.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
