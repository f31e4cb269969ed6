package payment

import "context"

// Filter narrows List results.
type Filter struct {
	Statuses    []Status
	SentToSwift *bool
	OwnerID     string
}

// Store describes persistence for payment records. Transitions re-read the
// persisted record through Find; no cached payment survives across the
// step-up gate.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Find(ctx context.Context, id string) (*Payment, error)
	Save(ctx context.Context, p *Payment) error
	List(ctx context.Context, f Filter, limit int) ([]Payment, error)
}
