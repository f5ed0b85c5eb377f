package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/receipt-approvals/internal/apperr"
)

// Credentials is the signup/login payload
type Credentials struct {
	Username string `json:"username" validate:"required,max=64,printascii,excludesall=/: "`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Registry owns users, roles and supervisor teams. Role changes go through SetRole only.
type Registry struct {
	db       DB
	validate *validator.Validate
	now      func() time.Time
}

// NewRegistry creates a Registry backed by db
func NewRegistry(db DB) *Registry {
	return &Registry{
		db:       db,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) checkCredentials(creds Credentials) error {
	if err := r.validate.Struct(creds); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s failed %q: %w", strings.ToLower(verrs[0].Field()), verrs[0].Tag(), apperr.ErrValidation)
		}
		return fmt.Errorf("%v: %w", err, apperr.ErrValidation)
	}
	return nil
}

// Signup creates a plain user
func (r *Registry) Signup(creds Credentials) (*User, error) {
	creds.Username = strings.TrimSpace(creds.Username)
	if err := r.checkCredentials(creds); err != nil {
		return nil, err
	}

	hash, err := hashPassword(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		Username:     creds.Username,
		PasswordHash: hash,
		Role:         RoleUser,
		Team:         []string{},
		CreatedAt:    r.now(),
	}
	if err := r.db.CreateUser(user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	slog.Info("User signed up", "username", user.Username)
	return user, nil
}

// Authenticate checks a username/password pair and returns the stored user
func (r *Registry) Authenticate(username, password string) (*User, error) {
	user, err := r.db.GetUser(username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("invalid username or password: %w", apperr.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if err := checkPassword(user.PasswordHash, password); err != nil {
		return nil, fmt.Errorf("invalid username or password: %w", apperr.ErrUnauthenticated)
	}
	return user, nil
}

// EnsureAdmin creates username as an admin, or promotes an existing account to admin.
func (r *Registry) EnsureAdmin(username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	existing, err := r.db.GetUser(username)
	switch {
	case err == nil:
		if existing.Role == RoleAdmin {
			return nil
		}
		return r.db.UpdateUsers(func(users map[string]*User) ([]*User, error) {
			u, ok := users[username]
			if !ok {
				return nil, fmt.Errorf("user %q: %w", username, apperr.ErrNotFound)
			}
			u.Role = RoleAdmin
			u.Team = []string{}
			return append(stripMember(users, username), u), nil
		})
	case errors.Is(err, apperr.ErrNotFound):
		if _, err := r.Signup(Credentials{Username: username, Password: password}); err != nil {
			return err
		}
		return r.EnsureAdmin(username, password)
	default:
		return fmt.Errorf("loading admin user: %w", err)
	}
}

// GetUser retrieves a user by username
func (r *Registry) GetUser(username string) (*User, error) {
	user, err := r.db.GetUser(username)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, nil
}

// GetRole returns the role of username
func (r *Registry) GetRole(username string) (Role, error) {
	user, err := r.GetUser(username)
	if err != nil {
		return "", err
	}
	return user.Role, nil
}

// ListUsers returns every account; admin only
func (r *Registry) ListUsers(actor *User) ([]*User, error) {
	if actor == nil || actor.Role != RoleAdmin {
		return nil, fmt.Errorf("listing users: %w", apperr.ErrForbidden)
	}
	users, err := r.db.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// ListAssignableTeamCandidates returns the plain users that may join a team, excluding
// excludeUsername (normally the supervisor being edited).
func (r *Registry) ListAssignableTeamCandidates(excludeUsername string) ([]*User, error) {
	users, err := r.db.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	candidates := make([]*User, 0, len(users))
	for _, u := range users {
		if u.Role == RoleUser && u.Username != excludeUsername {
			candidates = append(candidates, u)
		}
	}
	slices.SortFunc(candidates, func(a, b *User) int { return strings.Compare(a.Username, b.Username) })
	return candidates, nil
}

// SetRole assigns newRole to target. Only an admin may call it. For a supervisor the team
// is replaced with the deduplicated newTeam (target itself removed); every other role drops
// the team. Leaving RoleUser also removes target from any supervisor's team.
func (r *Registry) SetRole(actor *User, target string, newRole Role, newTeam []string) (*User, error) {
	if actor == nil || actor.Role != RoleAdmin {
		return nil, fmt.Errorf("setting role: %w", apperr.ErrForbidden)
	}
	if _, err := ParseRole(string(newRole)); err != nil {
		return nil, fmt.Errorf("setting role: %w", err)
	}

	var updated *User
	err := r.db.UpdateUsers(func(users map[string]*User) ([]*User, error) {
		// The actor is re-read inside the transaction so a demoted admin cannot act on a
		// stale identity.
		current, ok := users[actor.Username]
		if !ok || current.Role != RoleAdmin {
			return nil, apperr.ErrForbidden
		}

		u, ok := users[target]
		if !ok {
			return nil, fmt.Errorf("user %q: %w", target, apperr.ErrNotFound)
		}

		if u.Role == RoleAdmin && newRole != RoleAdmin && countRole(users, RoleAdmin) == 1 {
			return nil, fmt.Errorf("cannot demote the last admin: %w", apperr.ErrInvalidState)
		}

		team := []string{}
		if newRole == RoleSupervisor {
			for _, member := range newTeam {
				member = strings.TrimSpace(member)
				if member == "" || member == target || slices.Contains(team, member) {
					continue
				}
				m, ok := users[member]
				if !ok {
					return nil, fmt.Errorf("unknown team member %q: %w", member, apperr.ErrInvalidArgument)
				}
				if m.Role != RoleUser {
					return nil, fmt.Errorf("team member %q is a %s: %w", member, m.Role, apperr.ErrInvalidArgument)
				}
				team = append(team, member)
			}
		}

		u.Role = newRole
		u.Team = team
		changed := []*User{u}
		if newRole != RoleUser {
			changed = append(changed, stripMember(users, target)...)
		}
		updated = u.clone()
		return changed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting role: %w", err)
	}

	slog.Info("Role changed",
		"actor", actor.Username,
		"target", target,
		"role", newRole,
		"team_size", len(updated.Team),
	)
	return updated, nil
}

// stripMember removes username from every supervisor team that lists it and returns the
// supervisors that changed.
func stripMember(users map[string]*User, username string) []*User {
	var changed []*User
	for _, u := range users {
		if u.Username == username || !slices.Contains(u.Team, username) {
			continue
		}
		u.Team = slices.DeleteFunc(u.Team, func(m string) bool { return m == username })
		changed = append(changed, u)
	}
	return changed
}

func countRole(users map[string]*User, role Role) int {
	n := 0
	for _, u := range users {
		if u.Role == role {
			n++
		}
	}
	return n
}
