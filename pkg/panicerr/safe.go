// Package panicerr turns panics in background goroutines into ordinary errors
// so one misbehaving component cannot take the daemon down silently.
package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Run calls fn and returns its error, or the recovered panic as an error.
func Run(fn func() error) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = fn()
	})
	if err != nil {
		return err
	}
	return catcher.Recovered().AsError()
}

// Safe wraps fn for use with conc pools.
func Safe(fn func() error) func() error {
	return func() error {
		return Run(fn)
	}
}

// SafeContext is Safe for context-aware pool tasks.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return Run(func() error { return fn(ctx) })
	}
}
