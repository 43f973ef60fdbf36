package transport

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
)

// Result is the outcome delivered to a pending request: either reply data or
// a terminal error.
type Result struct {
	Data []byte
	Err  error
}

// PendingRequests tracks outstanding request/reply calls keyed by correlation
// id. Every entry settles exactly once: a matching reply, the call timeout,
// and a transport disconnect race for it, and the first writer wins. Late
// writers are silent no-ops.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]chan Result
}

// NewPendingRequests constructs an empty pending table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[string]chan Result)}
}

// Add registers a correlation id and returns the channel its result will be
// delivered on. The channel is buffered so a settle never blocks the
// delivering goroutine.
func (p *PendingRequests) Add(id string) <-chan Result {
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.entries[id] = ch
	p.mu.Unlock()
	return ch
}

// Resolve settles the entry with reply data. Returns false if the entry was
// already settled or never existed.
func (p *PendingRequests) Resolve(id string, data []byte) bool {
	return p.settle(id, Result{Data: data})
}

// Reject settles the entry with an error. Returns false if the entry was
// already settled or never existed.
func (p *PendingRequests) Reject(id string, err error) bool {
	return p.settle(id, Result{Err: err})
}

func (p *PendingRequests) settle(id string, res Result) bool {
	p.mu.Lock()
	ch, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Remove drops an entry without delivering a result. Used by the timeout
// path, which already reports the error to the caller itself.
func (p *PendingRequests) Remove(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// FailAll rejects every outstanding entry with err and returns how many were
// rejected. Called synchronously from Disconnect so no request hangs.
func (p *PendingRequests) FailAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]chan Result)
	p.mu.Unlock()

	for _, ch := range entries {
		ch <- Result{Err: err}
	}
	return len(entries)
}

// Len reports the number of outstanding entries.
func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Await blocks until the entry settles, the timeout elapses, or ctx is
// cancelled. On timeout or cancellation the entry is removed so a late reply
// becomes a no-op.
func (p *PendingRequests) Await(ctx context.Context, id string, ch <-chan Result, patternKey string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.Data, res.Err
	case <-timer.C:
		p.Remove(id)
		return nil, &errspkg.TimeoutError{Pattern: patternKey, Elapsed: timeout}
	case <-ctx.Done():
		p.Remove(id)
		return nil, ctx.Err()
	}
}
