package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"retailops.org/internal/events"
	"retailops.org/internal/ids"
)

// MemoryStore is an in-process Store. Writes and their outbox events are
// applied inside one critical section.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User
	roles   map[string]Role
	refresh map[string]RefreshToken
	outbox  events.Emitter
	now     func() time.Time
}

// NewMemoryStore seeds the built-in roles. outbox may be nil when events are
// not needed.
func NewMemoryStore(outbox events.Emitter) *MemoryStore {
	s := &MemoryStore{
		users:   make(map[string]User),
		roles:   make(map[string]Role),
		refresh: make(map[string]RefreshToken),
		outbox:  outbox,
		now:     time.Now,
	}
	for _, r := range BuiltinRoles {
		r.ID = ids.New()
		r.CreatedAt = s.now().UTC()
		s.roles[r.Name] = cloneRole(r)
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(ctx context.Context, u User, evts ...events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s exists", ErrConflict, u.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username taken", ErrConflict)
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: email taken", ErrConflict)
		}
	}
	if err := s.appendEvents(ctx, evts); err != nil {
		return err
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) UserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) UserByLogin(_ context.Context, login string) (User, error) {
	login = strings.TrimSpace(login)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, login) || strings.EqualFold(u.Email, login) {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) MutateUser(ctx context.Context, id string, fn UserMutation) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	next := cloneUser(current)
	evts, err := fn(&next)
	if err != nil {
		return User{}, err
	}
	if next.Email != current.Email {
		for otherID, other := range s.users {
			if otherID != id && strings.EqualFold(other.Email, next.Email) {
				return User{}, fmt.Errorf("%w: email taken", ErrConflict)
			}
		}
	}
	if err := s.appendEvents(ctx, evts); err != nil {
		return User{}, err
	}
	s.users[id] = next
	return cloneUser(next), nil
}

func (s *MemoryStore) ListUsers(_ context.Context, tenantID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if tenantID == "" || u.TenantID == tenantID {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RolesOf(_ context.Context, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Role, 0, len(u.Roles))
	for _, name := range u.Roles {
		if r, ok := s.roles[name]; ok {
			out = append(out, cloneRole(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) PermissionsOf(_ context.Context, roleNames []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var perms []string
	for _, name := range normalizeRoles(roleNames) {
		if r, ok := s.roles[name]; ok {
			perms = append(perms, r.Permissions...)
		}
	}
	perms = dedupeStrings(perms)
	sort.Strings(perms)
	return perms, nil
}

func (s *MemoryStore) RoleByName(_ context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[NormalizeRole(name)]
	if !ok {
		return Role{}, ErrNotFound
	}
	return cloneRole(r), nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.Name]; ok {
		return fmt.Errorf("%w: role %s exists", ErrConflict, role.Name)
	}
	s.roles[role.Name] = cloneRole(role)
	return nil
}

func (s *MemoryStore) SetPermissions(_ context.Context, roleName string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[NormalizeRole(roleName)]
	if !ok {
		return ErrNotFound
	}
	r.Permissions = append([]string(nil), perms...)
	s.roles[r.Name] = r
	return nil
}

func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateRefreshToken(_ context.Context, tok RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refresh[tok.ID]; ok {
		return ErrConflict
	}
	s.refresh[tok.ID] = tok
	return nil
}

func (s *MemoryStore) RefreshTokenByID(_ context.Context, id string) (RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refresh[id]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *MemoryStore) RevokeRefreshToken(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refresh[id]
	if !ok || tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	s.refresh[id] = tok
	return true, nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldID string, next RefreshToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldID]
	if !ok || old.Revoked {
		return false, nil
	}
	if _, ok := s.refresh[next.ID]; ok {
		return false, ErrConflict
	}
	old.Revoked = true
	s.refresh[oldID] = old
	s.refresh[next.ID] = next
	return true, nil
}

func (s *MemoryStore) RevokeUserRefreshTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.refresh {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			s.refresh[id] = tok
		}
	}
	return nil
}

func (s *MemoryStore) appendEvents(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 || s.outbox == nil {
		return nil
	}
	return s.outbox.Append(ctx, evts...)
}

func cloneUser(u User) User {
	u.Roles = append([]string(nil), u.Roles...)
	return u
}

func cloneRole(r Role) Role {
	r.Permissions = append([]string(nil), r.Permissions...)
	return r
}
