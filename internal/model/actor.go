package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies which side of the marketplace an actor is on.
type Role string

const (
	RoleUser      Role = "user"
	RoleTherapist Role = "therapist"
	// RoleSystem is used for server-initiated transitions such as ring timeouts.
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleTherapist, RoleSystem:
		return true
	default:
		return false
	}
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	Name        string    `json:"name,omitempty"`
	TherapistID uuid.UUID `json:"therapist_id,omitempty"`
}

// SystemActor is the actor used by background jobs.
var SystemActor = Actor{UserID: "system", Role: RoleSystem}

// OwnsTherapist reports whether the actor is the therapist with the given id.
func (a Actor) OwnsTherapist(id uuid.UUID) bool {
	return a.Role == RoleTherapist && a.TherapistID != uuid.Nil && a.TherapistID == id
}
