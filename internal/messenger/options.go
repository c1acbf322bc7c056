package messenger

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger *zap.Logger
	nowFn  func() time.Time
}

// Option tunes backend construction.
type Option func(*options)

// WithLogger attaches a logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(o *options) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
