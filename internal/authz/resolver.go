package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/safecircle/internal/domain"
)

// Resolver decides whether a viewer may observe a subject's location.
// Every call reads the relationship store; nothing is cached.
type Resolver struct {
	rel   domain.Relationships
	clock domain.Clock
}

// New constructs a Resolver.
func New(rel domain.Relationships, clock domain.Clock) *Resolver {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Resolver{rel: rel, clock: clock}
}

// CanView reports whether viewer may see subject's location.
func (r *Resolver) CanView(ctx context.Context, viewer, subject domain.UserID) (bool, error) {
	_, ok, err := r.Grant(ctx, viewer, subject)
	return ok, err
}

// Grant returns the first rule that authorizes viewer, in evaluation order:
// self, accepted connection, shared family, explicit permission.
func (r *Resolver) Grant(ctx context.Context, viewer, subject domain.UserID) (domain.GrantKind, bool, error) {
	if viewer == subject {
		return domain.GrantSelf, true, nil
	}

	connected, err := r.rel.IsConnected(ctx, viewer, subject)
	if err != nil {
		return "", false, fmt.Errorf("check connection: %w", err)
	}
	if connected {
		return domain.GrantDirectConnection, true, nil
	}

	shared, err := r.sharedFamily(ctx, viewer, subject)
	if err != nil {
		return "", false, err
	}
	if shared {
		return domain.GrantSharedFamily, true, nil
	}

	perm, ok, err := r.rel.SharingPermission(ctx, subject, viewer)
	if err != nil {
		return "", false, fmt.Errorf("load sharing permission: %w", err)
	}
	if ok && perm.Active(r.clock.Now()) {
		return domain.GrantExplicitPermission, true, nil
	}
	return "", false, nil
}

func (r *Resolver) sharedFamily(ctx context.Context, a, b domain.UserID) (bool, error) {
	famA, err := r.rel.FamilyIDs(ctx, a)
	if err != nil {
		return false, fmt.Errorf("load families: %w", err)
	}
	if len(famA) == 0 {
		return false, nil
	}
	famB, err := r.rel.FamilyIDs(ctx, b)
	if err != nil {
		return false, fmt.Errorf("load families: %w", err)
	}
	return intersects(famA, famB), nil
}

func intersects(a, b []uuid.UUID) bool {
	set := make(map[uuid.UUID]struct{}, len(a))
	for _, id := range a {
		if id == uuid.Nil {
			continue
		}
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
