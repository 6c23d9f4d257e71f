// Package membership decides whether a destination names a group or a single
// identity, and answers group membership questions for the router and API.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/amurg-ai/relay/hub/internal/store"
)

// ErrResolution is returned when the group store cannot be consulted. Callers
// must treat it as transient and fail closed.
var ErrResolution = errors.New("membership resolution failed")

// Destination is the classified target of a message: Private or Group.
type Destination interface {
	// Key is the conversation key the destination was classified from.
	Key() string
	isDestination()
}

// Private addresses a single identity.
type Private struct {
	Identity string
}

func (p Private) Key() string  { return p.Identity }
func (Private) isDestination() {}

// Group addresses every member of a group as of classification time.
type Group struct {
	Handle  string
	Members []string
}

func (g Group) Key() string  { return g.Handle }
func (Group) isDestination() {}

// GroupStore is the subset of store.Store the resolver reads.
type GroupStore interface {
	GetGroup(ctx context.Context, name string) (*store.Group, error)
}

// Resolver classifies destinations against the group store. It keeps no
// cache: every call reads the store, so group changes apply to the next
// message.
type Resolver struct {
	groups GroupStore
}

// NewResolver creates a resolver backed by groups.
func NewResolver(groups GroupStore) *Resolver {
	return &Resolver{groups: groups}
}

// Classify returns Group if a group with exactly this handle exists, and
// Private otherwise.
func (r *Resolver) Classify(ctx context.Context, dest string) (Destination, error) {
	g, err := r.FindGroup(ctx, dest)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return Private{Identity: dest}, nil
	}
	return Group{Handle: g.Name, Members: lo.Uniq(g.Members)}, nil
}

// FindGroup returns the group named handle, or nil if there is none.
func (r *Resolver) FindGroup(ctx context.Context, handle string) (*store.Group, error) {
	g, err := r.groups.GetGroup(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: get group %q: %v", ErrResolution, handle, err)
	}
	return g, nil
}

// IsMember reports whether identity belongs to the group named handle. A
// missing group has no members.
func (r *Resolver) IsMember(ctx context.Context, handle, identity string) (bool, error) {
	g, err := r.FindGroup(ctx, handle)
	if err != nil {
		return false, err
	}
	return HasMember(g, identity), nil
}

// HasMember reports whether identity is listed in g.
func HasMember(g *store.Group, identity string) bool {
	return g != nil && lo.Contains(g.Members, identity)
}
