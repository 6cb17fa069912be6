package identity

import (
	"context"
	"errors"
)

// Role is the access level attached to a sciper. A user record is created
// lazily on first login with RoleVoter; anything above that is granted by an
// admin.
type Role string

const (
	RoleNone     Role = ""
	RoleVoter    Role = "voter"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleVoter, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// Privileged reports whether the role is above the lazily-assigned default.
func (r Role) Privileged() bool {
	return r != RoleNone && r != RoleVoter
}

// User is the durable record for one SSO identity.
type User struct {
	Sciper    int    `json:"sciper"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Role      Role   `json:"role"`
	LoggedIn  bool   `json:"loggedin"`
}

var ErrNotFound = errors.New("user not found")

// Store is the durable sciper-to-role table. Implementations must support
// concurrent access; per-key last write wins is sufficient, no cross-key
// transactions are ever needed.
type Store interface {
	Get(ctx context.Context, sciper int) (User, error)
	Put(ctx context.Context, user User) error
	Delete(ctx context.Context, sciper int) error
	ListPrivileged(ctx context.Context) ([]User, error)
	Close() error
}
