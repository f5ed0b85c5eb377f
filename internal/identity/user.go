package identity

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zombor/receipt-approvals/internal/apperr"
)

// Role is a user's position in the approval hierarchy.
type Role string

const (
	RoleUser       Role = "user"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// ParseRole validates a role name coming from a caller.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleSupervisor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q: %w", s, apperr.ErrInvalidArgument)
	}
}

// User is an account. Team only carries members when Role is RoleSupervisor and never
// contains the supervisor's own username.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Team         []string  `json:"team"`
	CreatedAt    time.Time `json:"created_at"`
}

// EffectiveTeam is the set of owners whose receipts u may see beyond their own: the stored
// team plus the supervisor themselves. Non-supervisors get an empty set.
func (u *User) EffectiveTeam() []string {
	if u.Role != RoleSupervisor {
		return []string{}
	}
	team := make([]string, 0, len(u.Team)+1)
	team = append(team, u.Username)
	for _, member := range u.Team {
		if member != u.Username {
			team = append(team, member)
		}
	}
	return team
}

// InTeam reports whether username is a member of u's stored team.
func (u *User) InTeam(username string) bool {
	return u.Role == RoleSupervisor && slices.Contains(u.Team, username)
}

// CanSee reports whether u may view receipts owned by owner.
func (u *User) CanSee(owner string) bool {
	switch u.Role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return owner == u.Username || slices.Contains(u.Team, owner)
	default:
		return owner == u.Username
	}
}

func (u *User) clone() *User {
	c := *u
	c.Team = slices.Clone(u.Team)
	if c.Team == nil {
		c.Team = []string{}
	}
	return &c
}
