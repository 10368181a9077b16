package projectsync

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNoIdentity = errors.New("no signed-in identity")

// Authenticator yields the owner identity required for remote writes. It may
// block until sign-in completes or ctx ends.
type Authenticator interface {
	Identity(ctx context.Context) (string, error)
}

type identityKey struct{}

// WithIdentity attaches an already verified owner identity to ctx, as the
// HTTP layer does with the bearer token subject.
func WithIdentity(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, identityKey{}, owner)
}

func IdentityFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(identityKey{}).(string)
	return owner, ok && strings.TrimSpace(owner) != ""
}

// RequestIdentity uses the identity attached to the context and falls back to
// Fallback when there is none.
type RequestIdentity struct {
	Fallback Authenticator
}

func (r RequestIdentity) Identity(ctx context.Context) (string, error) {
	if owner, ok := IdentityFrom(ctx); ok {
		return owner, nil
	}
	if r.Fallback == nil {
		return "", ErrNoIdentity
	}
	return r.Fallback.Identity(ctx)
}

type StaticIdentity string

func (s StaticIdentity) Identity(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoIdentity
	}
	return string(s), nil
}

// PendingIdentity blocks callers until Set supplies the identity, as happens
// when sign-in finishes after the app has started saving.
type PendingIdentity struct {
	mu    sync.Mutex
	id    string
	ready chan struct{}
}

func NewPendingIdentity() *PendingIdentity {
	return &PendingIdentity{ready: make(chan struct{})}
}

// Set publishes the identity. Later calls replace it.
func (p *PendingIdentity) Set(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
}

func (p *PendingIdentity) Identity(ctx context.Context) (string, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id == "" {
		return "", ErrNoIdentity
	}
	return p.id, nil
}
