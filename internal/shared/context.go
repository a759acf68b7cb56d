package shared

import "context"

type actorContextKey struct{}

// Actor identifies the authenticated caller of a request.
type Actor struct {
	Subject string
	Name    string
}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.Subject == "" {
		return Actor{}, false
	}
	return actor, true
}
