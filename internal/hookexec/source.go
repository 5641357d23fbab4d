package hookexec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conduct"
	"github.com/mattjoyce/conduct/internal/log"
)

// Source is a conduct.HookSource backed by an executable. Every hook call
// spawns the executable once with a "hook" request; the hook table comes from
// the describe handshake performed at load time.
type Source struct {
	entrypoint string
	export     string
	timeout    time.Duration
	hooks      []string
	hasSetup   bool
	hasCleanup bool
	logger     *slog.Logger
}

// Hooks builds the dispatch table from the hook names the executable declared.
func (s *Source) Hooks() map[string]conduct.HookFunc {
	table := make(map[string]conduct.HookFunc, len(s.hooks))
	for _, name := range s.hooks {
		table[name] = func(ctx context.Context, value any) error {
			return s.invoke(ctx, &Request{Call: CallHook, Export: s.export, Hook: name, Context: value})
		}
	}
	return table
}

// Setup forwards the seed list to the executable, when it declared setup.
func (s *Source) Setup(ctx context.Context, items []any) error {
	if !s.hasSetup {
		return nil
	}
	return s.invoke(ctx, &Request{Call: CallSetup, Export: s.export, Items: items})
}

// Cleanup notifies the executable, when it declared cleanup.
func (s *Source) Cleanup(ctx context.Context) error {
	if !s.hasCleanup {
		return nil
	}
	return s.invoke(ctx, &Request{Call: CallCleanup, Export: s.export})
}

func (s *Source) invoke(ctx context.Context, req *Request) error {
	resp, stderr, err := spawn(ctx, s.entrypoint, req, s.timeout, s.logger)
	if err != nil {
		if stderr != "" {
			return fmt.Errorf("%s %s: %w (stderr: %s)", req.Call, s.entrypoint, err, stderr)
		}
		return fmt.Errorf("%s %s: %w", req.Call, s.entrypoint, err)
	}
	if resp.Status == "error" {
		return fmt.Errorf("%s %s: %s", req.Call, s.entrypoint, resp.Error)
	}
	return nil
}

// Loader resolves hook sources from executable paths; it is the
// conduct.HookLoader the CLI installs on builders.
type Loader struct {
	// Timeout bounds each invocation, the describe handshake included.
	Timeout time.Duration
}

// Load performs the describe handshake against the executable and returns a
// Source exposing the hooks it declared. exportName selects a hook set when
// one executable serves several.
func (l *Loader) Load(path, exportName string) (conduct.HookSource, error) {
	logger := log.WithComponent("hookexec").With("entrypoint", path)

	resp, stderr, err := spawn(context.Background(), path, &Request{Call: CallDescribe, Export: exportName}, l.Timeout, logger)
	if err != nil {
		if stderr != "" {
			return nil, fmt.Errorf("describe %s: %w (stderr: %s)", path, err, stderr)
		}
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("describe %s: %s", path, resp.Error)
	}

	logger.Debug("hook source described", "hooks", len(resp.Hooks), "setup", resp.Setup, "cleanup", resp.Cleanup)
	return &Source{
		entrypoint: path,
		export:     exportName,
		timeout:    l.Timeout,
		hooks:      resp.Hooks,
		hasSetup:   resp.Setup,
		hasCleanup: resp.Cleanup,
		logger:     logger,
	}, nil
}

// Op wraps an executable as an activity body. The current context goes out as
// JSON; a non-null "context" in the response replaces it, null keeps it.
func Op(entrypoint string, timeout time.Duration) conduct.OpFunc {
	logger := log.WithComponent("hookexec").With("entrypoint", entrypoint)
	return func(ctx context.Context, action, value any) (any, error) {
		resp, stderr, err := spawn(ctx, entrypoint, &Request{Call: CallOp, Context: value}, timeout, logger)
		if err != nil {
			if stderr != "" {
				return nil, fmt.Errorf("op %s: %w (stderr: %s)", entrypoint, err, stderr)
			}
			return nil, fmt.Errorf("op %s: %w", entrypoint, err)
		}
		if resp.Status == "error" {
			return nil, fmt.Errorf("op %s: %s", entrypoint, resp.Error)
		}
		return resp.Context, nil
	}
}
