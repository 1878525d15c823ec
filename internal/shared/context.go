package shared

import (
	"context"

	"github.com/google/uuid"
)

// Role is the coarse identity role supplied by the session layer.
type Role string

const (
	RoleParent  Role = "PARENT"
	RoleStudent Role = "STUDENT"
	RoleTeacher Role = "TEACHER"
	RoleAdmin   Role = "ADMIN"
	// RoleSystem is used by scheduler jobs; it never comes from a request.
	RoleSystem Role = "SYSTEM"
)

// IsValid reports whether the role is known.
func (r Role) IsValid() bool {
	switch r {
	case RoleParent, RoleStudent, RoleTeacher, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}

// Actor is the identity performing an operation.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor identifies scheduler-driven operations.
func SystemActor() Actor {
	return Actor{UserID: uuid.Nil, Role: RoleSystem}
}

// IsSystem reports whether the actor is the scheduler.
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
