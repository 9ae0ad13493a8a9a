package store

import "github.com/facebookgo/clock"

type options struct {
	clock clock.Clock
}

// Option configures a store backend.
type Option func(*options)

// WithClock replaces the wall clock used for TTL bookkeeping.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
