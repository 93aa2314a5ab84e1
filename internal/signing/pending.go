package signing

import (
	"context"
	"sync"
)

// Result is the single canonical outcome of a session.
type Result struct {
	Success   bool
	Signature string
	Code      string
	Message   string
	Err       error
}

func failure(code string, err error) Result {
	return Result{Code: code, Message: err.Error(), Err: err}
}

func outcomeFailure(code, message, fallback string) Result {
	if message == "" {
		message = fallback
	}
	return Result{Code: code, Message: message}
}

// Pending is the caller's handle on a running session. Its result is written
// exactly once.
type Pending struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result Result
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

func (p *Pending) ID() string {
	return p.id
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the result and whether the session has resolved.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the session resolves or ctx ends. Giving up on the wait
// does not stop the session.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.result = r
		resolved = true
		close(p.done)
	})
	return resolved
}
