package job

import "time"

// Options tunes how a single task kind executes. Attempt budgets are set per
// family, not per kind.
type Options struct {
	// Timeout overrides the family execution timeout. Zero keeps the family value.
	Timeout time.Duration
}

// DefaultOptions returns Options that defer everything to the family.
func DefaultOptions() Options {
	return Options{}
}

// Option is a functional option for a task registration.
type Option func(*Options)

// WithTimeout sets the maximum execution duration for the task kind.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
