package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrReadFailed reports a contract read that could not reach any node.
// Unlike a revert it says nothing about the contract, so the event must be retried.
var ErrReadFailed = errors.New("contract read failed")

type failuresKey struct{}

type readFailures struct {
	mu    sync.Mutex
	first error
	count int
}

// TrackReadFailures returns a context collecting the failures readers report through
// ReportReadFailure, and a func returning the first of them wrapped in ErrReadFailed
func TrackReadFailures(ctx context.Context) (context.Context, func() error) {
	f := &readFailures{}
	return context.WithValue(ctx, failuresKey{}, f), func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.first == nil {
			return nil
		}
		return fmt.Errorf("%w (%d failed): %v", ErrReadFailed, f.count, f.first)
	}
}

// ReportReadFailure records err on the tracker carried by ctx. It is a no-op
// when ctx carries none.
func ReportReadFailure(ctx context.Context, err error) {
	f, ok := ctx.Value(failuresKey{}).(*readFailures)
	if !ok || err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first == nil {
		f.first = err
	}
	f.count++
}
