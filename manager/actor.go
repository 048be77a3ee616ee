package manager

import "context"

type actorKey struct{}

// WithActor returns a context carrying the name of the acting user.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the acting user, or "" for anonymous callers.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
