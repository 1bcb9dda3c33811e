// Package interrupt provides the cooperative stop signal shared by every part of a run.
package interrupt

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInterrupted is returned by any operation that observed a stop request.
// It must never be swallowed by best-effort handlers.
var ErrInterrupted = errors.New("interrupted by operator")

// Token is a one-shot stop signal. The zero value is not usable; use New.
//
// Check is called at the start of every operation and before every bounded wait.
// Context ties blocking browser calls to the token, so a wait in progress also
// returns early once Set is called.
type Token struct {
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	set    bool
}

// New creates a token whose context derives from parent. Cancelling parent
// has the same effect as Set.
func New(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	t := &Token{ctx: ctx, cancel: cancel}
	return t
}

// Set requests a stop. It is safe to call more than once and from any goroutine.
func (t *Token) Set() {
	t.mu.Lock()
	t.set = true
	cancel := t.cancel
	t.mu.Unlock()
	cancel()
}

// IsSet reports whether a stop was requested, without blocking.
func (t *Token) IsSet() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.set || t.ctx.Err() != nil
}

// Done is closed once a stop is requested.
func (t *Token) Done() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx.Done()
}

// Context returns the context cancelled by Set.
func (t *Token) Context() context.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx
}

// Check returns ErrInterrupted once a stop was requested.
func (t *Token) Check() error {
	if t.IsSet() {
		return ErrInterrupted
	}
	return nil
}

// Wait sleeps for d or until a stop is requested, returning ErrInterrupted in the latter case.
func (t *Token) Wait(d time.Duration) error {
	if err := t.Check(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.Done():
		return ErrInterrupted
	}
}

// Reset rearms the token for a new run, deriving from parent.
func (t *Token) Reset(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	old := t.cancel
	t.ctx, t.cancel, t.set = ctx, cancel, false
	t.mu.Unlock()
	old()
}

// Translate maps context cancellation into ErrInterrupted once the token is set,
// so that a browser call cut short by Set reports the stop rather than a generic failure.
func (t *Token) Translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInterrupted) {
		return err
	}
	if t.IsSet() && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ErrInterrupted
	}
	return err
}

// IsInterrupted reports whether err carries ErrInterrupted.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}
