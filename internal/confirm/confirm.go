// Package confirm implements two-phase execution for destructive
// operations: the first call parks the action under a short-lived token,
// and only a confirming call from the same user runs it.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownToken covers tokens that never existed, already ran,
	// were cancelled, or expired. Callers cannot tell these apart and
	// should not be able to.
	ErrUnknownToken = errors.New("unknown or expired confirmation token")
	// ErrWrongUser means the token exists but belongs to someone else.
	ErrWrongUser = errors.New("confirmation token belongs to another user")
)

// Apply performs the parked action and returns a human-readable result.
type Apply func(ctx context.Context) (string, error)

// Ticket is handed back to the requester on the first phase.
type Ticket struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pending struct {
	user    string
	action  string
	apply   Apply
	expires time.Time
}

// Registry holds parked actions. Tokens are single-use and expire after
// the configured window.
type Registry struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]*pending
	now    func() time.Time
}

func NewRegistry(window time.Duration) *Registry {
	if window <= 0 {
		window = time.Minute
	}
	return &Registry{
		window: window,
		items:  make(map[string]*pending),
		now:    time.Now,
	}
}

// Request parks apply under a fresh token owned by user. action is a
// short description shown back to the user when asking for confirmation.
func (r *Registry) Request(user, action string, apply Apply) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()

	token := uuid.NewString()
	expires := r.now().Add(r.window)
	r.items[token] = &pending{user: user, action: action, apply: apply, expires: expires}
	return Ticket{Token: token, Action: action, ExpiresAt: expires}
}

// Confirm runs the parked action. The token is consumed before apply runs
// so a second confirm can never execute the action twice, even if the
// first attempt failed.
func (r *Registry) Confirm(ctx context.Context, token, user string) (string, error) {
	r.mu.Lock()
	p, ok := r.items[token]
	if ok && r.now().After(p.expires) {
		delete(r.items, token)
		ok = false
	}
	if !ok {
		r.mu.Unlock()
		return "", ErrUnknownToken
	}
	if p.user != user {
		r.mu.Unlock()
		return "", ErrWrongUser
	}
	delete(r.items, token)
	r.mu.Unlock()

	return p.apply(ctx)
}

// Cancel discards a parked action.
func (r *Registry) Cancel(token, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.items[token]
	if ok && r.now().After(p.expires) {
		delete(r.items, token)
		ok = false
	}
	if !ok {
		return ErrUnknownToken
	}
	if p.user != user {
		return ErrWrongUser
	}
	delete(r.items, token)
	return nil
}

func (r *Registry) purgeLocked() {
	now := r.now()
	for token, p := range r.items {
		if now.After(p.expires) {
			delete(r.items, token)
		}
	}
}
