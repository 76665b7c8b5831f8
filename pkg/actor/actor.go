package actor

import "context"

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the authenticated principal behind an operation.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// System is used by the retry sweeper and webhook handling.
var System = Actor{UserID: "system", Role: RoleSystem}

func User(id string) Actor  { return Actor{UserID: id, Role: RoleUser} }
func Admin(id string) Actor { return Actor{UserID: id, Role: RoleAdmin} }

func (a Actor) IsAdmin() bool  { return a.Role == RoleAdmin }
func (a Actor) IsSystem() bool { return a.Role == RoleSystem }

// Privileged reports whether a may act on contracts it is not party to.
func (a Actor) Privileged() bool { return a.IsAdmin() || a.IsSystem() }

type ctxKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok && a.UserID != ""
}
