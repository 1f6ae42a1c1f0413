package bulk

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Token is the WRAP access token answered by Autentica.
type Token struct {
	Value   string
	Created time.Time
	Expires time.Time
}

type authenticator func(ctx context.Context) (*Token, error)

// tokenSource keeps the current token and authenticates again when it is about to expire.
type tokenSource struct {
	authenticate authenticator
	clock        clockwork.Clock

	mu      sync.Mutex
	current *Token

	// how long before expiry a new token is requested
	refreshSkew time.Duration
}

func newTokenSource(a authenticator, clock clockwork.Clock) *tokenSource {
	return &tokenSource{
		authenticate: a,
		clock:        clock,
		refreshSkew:  30 * time.Second,
	}
}

// Bearer returns a valid token value, authenticating when none is held.
func (p *tokenSource) Bearer(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token, ok := p.currentIfValidLocked(); ok {
		return token, nil
	}

	t, err := p.authenticate(ctx)
	if err != nil {
		return "", err
	}
	p.current = t
	return t.Value, nil
}

// Invalidate drops the held token so the next call authenticates again.
func (p *tokenSource) Invalidate() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

func (p *tokenSource) currentIfValidLocked() (string, bool) {
	if p.current == nil || p.current.Value == "" || p.current.Expires.IsZero() {
		return "", false
	}
	if p.current.Expires.Sub(p.clock.Now().UTC()) <= p.refreshSkew {
		return "", false
	}
	return p.current.Value, true
}
