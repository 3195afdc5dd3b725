// Package credentials hands the service username and API key from the
// presentation layer to background workers.
package credentials

import (
	"context"
	"sync"
)

// Credentials authenticate uploads. Empty strings mean unset.
type Credentials struct {
	Username string
	APIKey   string
}

// Complete reports whether both values are set.
func (c Credentials) Complete() bool { return c.Username != "" && c.APIKey != "" }

// Provider returns the current credentials.
type Provider interface {
	Get(ctx context.Context) (Credentials, error)
}

// Broker is a single-slot rendezvous between background callers of Get and
// the goroutine that owns the credentials. A caller blocks until the owner
// picks up its request and answers it, or until ctx ends.
type Broker struct {
	requests chan chan<- Credentials
}

func NewBroker() *Broker {
	return &Broker{requests: make(chan chan<- Credentials)}
}

func (b *Broker) Get(ctx context.Context) (Credentials, error) {
	reply := make(chan Credentials, 1)
	select {
	case b.requests <- reply:
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
	select {
	case c := <-reply:
		return c, nil
	case <-ctx.Done():
		return Credentials{}, ctx.Err()
	}
}

// Requests is drained by the owning goroutine, typically inside its own
// select loop. Each request must be answered exactly once.
func (b *Broker) Requests() <-chan chan<- Credentials { return b.requests }

// Serve answers requests from current until ctx ends. It is the loop used by
// presenters that have nothing else to select on.
func (b *Broker) Serve(ctx context.Context, current func() Credentials) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-b.requests:
			reply <- current()
		}
	}
}

// Holder is the presentation-side copy of the credentials. It may be updated
// from request handlers while Serve reads it.
type Holder struct {
	mu    sync.RWMutex
	creds Credentials
}

func NewHolder(c Credentials) *Holder { return &Holder{creds: c} }

func (h *Holder) Current() Credentials {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.creds
}

func (h *Holder) Set(c Credentials) {
	h.mu.Lock()
	h.creds = c
	h.mu.Unlock()
}

// Static always returns the same credentials. It is used by one-shot
// commands that have no presentation loop.
type Static Credentials

func (s Static) Get(context.Context) (Credentials, error) { return Credentials(s), nil }
