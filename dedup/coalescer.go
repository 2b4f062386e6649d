package dedup

import (
	"sync"

	"encore.app/pkg/models"
)

// Pending is the completion handle for one in-flight cache key. The first
// completion wins; result fields are immutable once done is closed.
type Pending struct {
	done chan struct{}
	once sync.Once

	resp *models.StoredResponse
	err  error
}

// Done returns a channel closed when the pending completes.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (*models.StoredResponse, error) {
	return p.resp, p.err
}

func (p *Pending) complete(resp *models.StoredResponse, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Coalescer folds concurrent identical requests within one instance into a
// single pending completion per cache key. Unlike a plain singleflight
// group, a pending can be completed externally: a response-ready bus message
// from a peer resolves every local waiter.
type Coalescer struct {
	mu       sync.Mutex
	pendings map[string]*Pending
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		pendings: make(map[string]*Pending),
	}
}

// Join returns the pending for a key, creating it when absent. The second
// return is true when this caller created the pending and therefore owns
// driving it to completion.
func (c *Coalescer) Join(key string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, exists := c.pendings[key]; exists {
		return p, false
	}
	p := &Pending{done: make(chan struct{})}
	c.pendings[key] = p
	return p, true
}

// Lookup returns the pending for a key without creating one.
func (c *Coalescer) Lookup(key string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, exists := c.pendings[key]
	return p, exists
}

// Complete resolves the pending for a key and releases it. Returns false
// when no pending was registered, which callers treat as a silent drop.
func (c *Coalescer) Complete(key string, resp *models.StoredResponse, err error) bool {
	c.mu.Lock()
	p, exists := c.pendings[key]
	delete(c.pendings, key)
	c.mu.Unlock()

	if !exists {
		return false
	}
	p.complete(resp, err)
	return true
}

// InFlight returns the number of registered pendings.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendings)
}
