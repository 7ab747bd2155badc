package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hipbot/hipchat/internal/metrics"
	"github.com/hipbot/hipchat/internal/stanza"
)

// ErrQueryTimeout rejects a pending query whose response never arrived within
// the correlator's deadline.
var ErrQueryTimeout = errors.New("query timed out")

type pendingResult struct {
	iq  *stanza.IQ
	err error
}

// Pending is the single-resolution future for one outgoing query. It is
// resolved exactly once: by the correlated response, by a stanza error, by the
// correlator timeout, or by a send failure.
type Pending struct {
	id string
	ch chan pendingResult
}

// ID returns the correlation id stamped into the query.
func (p *Pending) ID() string { return p.id }

// Await blocks until the query resolves or ctx is done.
func (p *Pending) Await(ctx context.Context) (*stanza.IQ, error) {
	select {
	case r := <-p.ch:
		return r.iq, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingSlot struct {
	p     *Pending
	timer *time.Timer
}

// Correlator matches query responses to their outstanding requests by
// correlation id. Each id resolves exactly once; resolving an id with no
// registered waiter is a no-op.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingSlot
	timeout time.Duration
}

// NewCorrelator creates a correlator. A timeout of zero disables the
// per-query deadline and a lost response leaves its future unresolved.
func NewCorrelator(timeout time.Duration) *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingSlot),
		timeout: timeout,
	}
}

// Register creates the one-shot waiter for the given id.
func (c *Correlator) Register(id string) *Pending {
	p := &Pending{id: id, ch: make(chan pendingResult, 1)}
	slot := &pendingSlot{p: p}

	c.mu.Lock()
	c.pending[id] = slot
	c.mu.Unlock()

	if c.timeout > 0 {
		slot.timer = time.AfterFunc(c.timeout, func() {
			if c.Reject(id, ErrQueryTimeout) {
				metrics.QueriesRejected.WithLabelValues("timeout").Inc()
			}
		})
	}

	return p
}

// Resolve delivers the response for id. Reports whether a waiter existed.
func (c *Correlator) Resolve(id string, iq *stanza.IQ) bool {
	return c.complete(id, pendingResult{iq: iq})
}

// Reject terminates the wait for id with an error. Reports whether a waiter
// existed.
func (c *Correlator) Reject(id string, err error) bool {
	return c.complete(id, pendingResult{err: err})
}

func (c *Correlator) complete(id string, r pendingResult) bool {
	c.mu.Lock()
	slot, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.p.ch <- r
	return true
}

// Outstanding returns the number of unresolved queries.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
