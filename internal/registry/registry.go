// Package registry maps authenticated users to their most recent live connection.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// MemberSource resolves the connected members of a lobby.
type MemberSource interface {
	ConnectedMemberIDs(ctx context.Context, lobbyID int64) ([]int64, error)
}

// Registry is safe for concurrent use. The most recent Bind for a user wins,
// and Unbind only removes the binding it was given.
type Registry struct {
	members MemberSource
	conns   sync.Map // int64 userID -> string connID
}

// New returns an empty Registry that resolves lobby members through members.
func New(members MemberSource) *Registry {
	return &Registry{members: members}
}

// Bind replaces whatever connection the user had.
func (r *Registry) Bind(userID int64, connID string) {
	r.conns.Store(userID, connID)
}

// Unbind removes the user's binding only if it still points at connID.
// It reports whether a binding was removed; a stale close returns false.
func (r *Registry) Unbind(userID int64, connID string) bool {
	return r.conns.CompareAndDelete(userID, connID)
}

// Lookup returns the user's live connection id.
func (r *Registry) Lookup(userID int64) (string, bool) {
	v, ok := r.conns.Load(userID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// LookupMany returns the connection ids of the lobby's Connected members,
// skipping members that have no live binding on this process.
func (r *Registry) LookupMany(ctx context.Context, lobbyID int64) ([]string, error) {
	userIDs, err := r.members.ConnectedMemberIDs(ctx, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("resolve members of lobby %d: %w", lobbyID, err)
	}
	return r.LookupUsers(userIDs), nil
}

// LookupUsers maps each user through Lookup, dropping absentees.
func (r *Registry) LookupUsers(userIDs []int64) []string {
	conns := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if c, ok := r.Lookup(id); ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// All returns every bound connection id.
func (r *Registry) All() []string {
	var conns []string
	r.conns.Range(func(_, v any) bool {
		conns = append(conns, v.(string))
		return true
	})
	return conns
}

// Len counts bound users.
func (r *Registry) Len() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
