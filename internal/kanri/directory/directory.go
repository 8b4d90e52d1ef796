// Package directory provides the people Kanri knows about and the roles they
// hold. Users come either from static configuration or from a Graph-style
// REST directory, and a Syncer mirrors them into the local store.
package directory

import (
	"context"
	"fmt"
	"sort"

	"github.com/bdobrica/Kanri/internal/kanri/store"
)

// Directory lists users and resolves their application roles.
type Directory interface {
	ListUsers(ctx context.Context) ([]store.User, error)
	UserRoles(ctx context.Context, userID string) ([]string, error)
}

// StaticUser is a user declared in configuration.
type StaticUser struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Email       string   `yaml:"email"`
	Handle      string   `yaml:"handle"`
	Roles       []string `yaml:"roles"`
}

// Static is a fixed in-memory directory.
type Static struct {
	users map[string]StaticUser
}

// NewStatic builds a directory from configured users. Duplicate ids are
// rejected.
func NewStatic(users []StaticUser) (*Static, error) {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory: user %q has no id", u.DisplayName)
		}
		if _, dup := m[u.ID]; dup {
			return nil, fmt.Errorf("directory: duplicate user id %q", u.ID)
		}
		m[u.ID] = u
	}
	return &Static{users: m}, nil
}

// ListUsers returns the configured users ordered by id.
func (s *Static) ListUsers(context.Context) ([]store.User, error) {
	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, store.User{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email, Handle: u.Handle})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UserRoles returns the configured roles of userID. Unknown users have none.
func (s *Static) UserRoles(_ context.Context, userID string) ([]string, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), u.Roles...), nil
}
