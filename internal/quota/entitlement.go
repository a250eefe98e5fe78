package quota

import "context"

// Entitlements is the premium-tier lookup collaborator. Implementations
// may call out to an external service; errors make the gate fall back to
// static defaults rather than blocking the flow.
type Entitlements interface {
	IsPremium(ctx context.Context, creatorPhone string) (bool, error)
	PremiumLimit(ctx context.Context) (int, error)
}

// Static is the built-in entitlement source: a fixed set of premium
// numbers plus a configured premium limit. It also serves as the fallback
// when no external collaborator is wired.
type Static struct {
	Premium map[string]bool
	Limit   int // 0 means unlimited
}

func (s Static) IsPremium(_ context.Context, creatorPhone string) (bool, error) {
	return s.Premium[creatorPhone], nil
}

func (s Static) PremiumLimit(_ context.Context) (int, error) {
	return s.Limit, nil
}
