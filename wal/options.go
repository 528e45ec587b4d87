package wal

import (
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/clock"
	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// Option customises a log backend.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger pslog.Logger
}

// WithClock sets the clock used for entry and record timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithLogger assigns the logger used for diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(sys string, opts []Option) options {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = loggingutil.WithSubsystem(o.logger, sys)
	return o
}
