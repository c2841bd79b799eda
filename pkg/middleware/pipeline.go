// Package middleware runs ordered chains of stages over a mutable context.
//
// A stage receives the context and a next function. Calling next hands the
// context to the following stage; returning without calling it halts the
// chain. next may be called later from another goroutine.
package middleware

import (
	"context"
	"fmt"
	"sync"
)

// Stage transforms a context of type C.
type Stage[C any] interface {
	Apply(c C, next func()) error
}

// StageFunc adapts a function to a Stage.
type StageFunc[C any] func(c C, next func()) error

// Apply calls f.
func (f StageFunc[C]) Apply(c C, next func()) error { return f(c, next) }

// StageError reports a stage that returned an error or panicked.
type StageError struct {
	Index int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("middleware stage %d: %v", e.Index, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Run applies stages to c in order and returns c once the last stage calls
// next. With no stages c is returned as is.
//
// A stage that never calls next leaves the run pending until ctx is done, in
// which case ctx.Err() is returned. Callers that register halting stages are
// expected to bound ctx.
func Run[C any](ctx context.Context, c C, stages []Stage[C]) (C, error) {
	if len(stages) == 0 {
		return c, nil
	}

	done := make(chan struct{})
	failed := make(chan error, 1)
	var finish sync.Once

	var step func(i int)
	step = func(i int) {
		if i == len(stages) {
			finish.Do(func() { close(done) })
			return
		}
		var advanced sync.Once
		next := func() {
			advanced.Do(func() { step(i + 1) })
		}
		if err := apply(stages[i], c, next); err != nil {
			select {
			case failed <- &StageError{Index: i, Err: err}:
			default:
			}
		}
	}

	go step(0)

	select {
	case <-done:
		return c, nil
	case err := <-failed:
		return c, err
	case <-ctx.Done():
		return c, ctx.Err()
	}
}

func apply[C any](s Stage[C], c C, next func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Apply(c, next)
}
