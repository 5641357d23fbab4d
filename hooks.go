package conduct

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conduct/internal/log"
)

// DefaultHookTimeout bounds every hook invocation unless overridden on the
// runner.
const DefaultHookTimeout = 1000 * time.Millisecond

// HookFunc is a single pre/post hook. It receives the current context value;
// its error fails the surrounding activity.
type HookFunc func(ctx context.Context, value any) error

// HookSource supplies the hook table for a pipeline. Keys are mangled names:
// "before$fetchPage", "after$fetchPage". Unknown activities simply have no
// entry; dispatch for them is a no-op.
//
// A source may additionally implement SetupHook and CleanupHook; those run
// once per Pipe call, at the pipeline boundaries, never per activity.
type HookSource interface {
	Hooks() map[string]HookFunc
}

// SetupHook runs once before the first seed of a Pipe call, with the full
// seed list.
type SetupHook interface {
	Setup(ctx context.Context, items []any) error
}

// CleanupHook runs once after the last worker of a Pipe call has finished.
type CleanupHook interface {
	Cleanup(ctx context.Context) error
}

// HookMap is a ready-made HookSource for inline hook tables.
type HookMap map[string]HookFunc

func (m HookMap) Hooks() map[string]HookFunc { return m }

// HookLoader resolves a hook source from a file path, for WithHooksFile. The
// core does not ship a default loader; hosts install one (the hookexec
// subprocess loader, typically) on the builder.
type HookLoader interface {
	Load(path, exportName string) (HookSource, error)
}

// hookDispatcher performs name-mangled hook lookup against a table built once
// per source, bounding each call by a wall-clock timeout.
type hookDispatcher struct {
	source  HookSource
	table   map[string]HookFunc
	timeout time.Duration
	logger  *slog.Logger
}

func newHookDispatcher(source HookSource, timeout time.Duration) *hookDispatcher {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	d := &hookDispatcher{
		source:  source,
		timeout: timeout,
		logger:  log.WithComponent("hooks"),
	}
	if source != nil {
		d.table = source.Hooks()
	}
	return d
}

// Call invokes the hook for event ("before"/"after") and activity name. A
// missing source or method returns immediately with no effect. The call is
// raced against the dispatcher timeout; on timeout the in-flight hook is not
// cancelled but its result is discarded.
func (d *hookDispatcher) Call(ctx context.Context, event, activity string, value any) error {
	if d.source == nil {
		return nil
	}
	name := hookName(event, activity)
	fn, ok := d.table[name]
	if !ok {
		return nil
	}

	d.logger.Debug("dispatching hook", "hook", name)
	done := make(chan error, 1)
	go func() {
		done <- invokeHook(ctx, fn, value)
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return &HookError{Hook: name, Err: err}
		}
		return nil
	case <-timer.C:
		d.logger.Warn("hook timed out", "hook", name, "timeout", d.timeout)
		return &HookError{Hook: name, Timeout: true, Err: context.DeadlineExceeded}
	}
}

// Setup runs the source's setup method, if any.
func (d *hookDispatcher) Setup(ctx context.Context, items []any) error {
	s, ok := d.source.(SetupHook)
	if !ok {
		return nil
	}
	if err := s.Setup(ctx, items); err != nil {
		return &LifecycleError{Phase: PhaseSetup, Err: err}
	}
	return nil
}

// Cleanup runs the source's cleanup method, if any.
func (d *hookDispatcher) Cleanup(ctx context.Context) error {
	c, ok := d.source.(CleanupHook)
	if !ok {
		return nil
	}
	if err := c.Cleanup(ctx); err != nil {
		return &LifecycleError{Phase: PhaseCleanup, Err: err}
	}
	return nil
}

// invokeHook shields the dispatcher from panicking hook code.
func invokeHook(ctx context.Context, fn HookFunc, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx, value)
}
