package actor

import "context"

// Store describes persistence for actor records.
type Store interface {
	Create(ctx context.Context, a *Actor) error
	Find(ctx context.Context, id string) (*Actor, error)
	FindByHumanID(ctx context.Context, humanID string) (*Actor, error)
	Save(ctx context.Context, a *Actor) error
}
