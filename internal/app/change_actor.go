package app

import (
	"context"
	"strings"

	"github.com/hylla/icsforms/internal/domain"
)

// ChangeActor carries normalized caller identity for status-history attribution.
type ChangeActor struct {
	Name string
	Type domain.ActorType
}

// changeActorContextKey stores context keys for change actor values.
type changeActorContextKey struct{}

// WithChangeActor attaches a normalized change actor to context.
func WithChangeActor(ctx context.Context, actor ChangeActor) context.Context {
	return context.WithValue(ctx, changeActorContextKey{}, normalizeChangeActor(actor))
}

// ChangeActorFromContext returns the change actor when one with a name is present.
func ChangeActorFromContext(ctx context.Context) (ChangeActor, bool) {
	actor, ok := ctx.Value(changeActorContextKey{}).(ChangeActor)
	if !ok {
		return ChangeActor{}, false
	}
	actor = normalizeChangeActor(actor)
	if actor.Name == "" {
		return ChangeActor{}, false
	}
	return actor, true
}

// normalizeChangeActor trims and canonicalizes actor fields.
func normalizeChangeActor(actor ChangeActor) ChangeActor {
	actor.Name = strings.TrimSpace(actor.Name)
	actor.Type = domain.ActorType(strings.ToLower(strings.TrimSpace(string(actor.Type))))
	switch actor.Type {
	case domain.ActorTypeUser, domain.ActorTypeSystem, domain.ActorTypeAutoSave:
	default:
		actor.Type = domain.ActorTypeUser
	}
	return actor
}

// DefaultChangedBy is recorded when no better attribution exists.
const DefaultChangedBy = "system"

// changedBy returns the explicit attribution, else the context actor, else "".
// Storage falls back to the form's preparer and then DefaultChangedBy.
func changedBy(ctx context.Context, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if actor, ok := ChangeActorFromContext(ctx); ok {
		return actor.Name
	}
	return ""
}
