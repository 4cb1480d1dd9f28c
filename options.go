package semshare

import (
	"log/slog"
	"time"

	"github.com/gogpu/semshare/driver"
)

// ContextOption configures a Context during creation.
//
// Example:
//
//	a, err := semshare.NewContext(adapter, exts,
//	    semshare.WithName("producer"),
//	    semshare.WithLogger(logger))
type ContextOption func(*contextOptions)

// contextOptions holds optional configuration for Context creation.
type contextOptions struct {
	name   string
	logger *slog.Logger
}

// WithName sets the context name used in errors, logs and resource labels.
// The default is the adapter name.
func WithName(name string) ContextOption {
	return func(o *contextOptions) {
		o.name = name
	}
}

// WithLogger sets the logger for the Context. The logger is also passed to
// the driver device if it accepts one. The default is Logger().
func WithLogger(l *slog.Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = l
	}
}

// DefaultFenceTimeout bounds each fence wait of a scheduler barrier.
const DefaultFenceTimeout = 5 * time.Second

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	timeout time.Duration
	logger  *slog.Logger
}

func defaultSchedulerOptions() schedulerOptions {
	return schedulerOptions{timeout: DefaultFenceTimeout}
}

// WithFenceTimeout sets the bound on each barrier fence wait.
// A zero or negative value leaves waits bounded only by the caller's
// context.
func WithFenceTimeout(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d < 0 {
			d = 0
		}
		o.timeout = d
	}
}

// WithSchedulerLogger sets the scheduler logger. The default is Logger().
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		o.logger = l
	}
}

// ProtocolOption configures NewTwoDeviceProtocol.
type ProtocolOption func(*protocolOptions)

type protocolOptions struct {
	body RecordFunc
}

// RecordFunc records the content of the index-th command buffer of c.
// Protocol command buffers are empty unless a RecordFunc is given.
type RecordFunc func(c *Context, index int, cb driver.CommandBuffer) error

// WithRecordFunc sets the function that records protocol command buffers.
func WithRecordFunc(fn RecordFunc) ProtocolOption {
	return func(o *protocolOptions) {
		o.body = fn
	}
}
