// Package registry maps the names used in declarative pipeline configuration
// onto registered Go callables, and compiles pipeline definitions into
// builders.
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/mattjoyce/conduct"
	"github.com/mattjoyce/conduct/internal/config"
	"github.com/mattjoyce/conduct/internal/hookexec"
)

// Registry holds named ops, predicates, splitters, rejoiners, and actions.
// Hosts register callables at startup; Compile resolves config references
// against them. Hook sources are not registered here: a pipeline's hooks.file
// is resolved through CompileOptions.Loader.
type Registry struct {
	mu      sync.RWMutex
	ops     map[string]conduct.OpFunc
	preds   map[string]conduct.PredFunc
	splits  map[string]conduct.SplitFunc
	joins   map[string]conduct.JoinFunc
	actions map[string]any
}

func New() *Registry {
	return &Registry{
		ops:     make(map[string]conduct.OpFunc),
		preds:   make(map[string]conduct.PredFunc),
		splits:  make(map[string]conduct.SplitFunc),
		joins:   make(map[string]conduct.JoinFunc),
		actions: make(map[string]any),
	}
}

func (r *Registry) RegisterOp(name string, fn conduct.OpFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

func (r *Registry) RegisterPred(name string, fn conduct.PredFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = fn
}

func (r *Registry) RegisterSplit(name string, fn conduct.SplitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.splits[name] = fn
}

func (r *Registry) RegisterJoin(name string, fn conduct.JoinFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins[name] = fn
}

func (r *Registry) RegisterAction(name string, action any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
}

// CompileOptions parameterise Compile.
type CompileOptions struct {
	// Loader resolves hooks.file references; required when the pipeline
	// declares one.
	Loader conduct.HookLoader
	// ExecTimeout bounds exec-activity invocations without their own timeout.
	ExecTimeout time.Duration
}

// Compile turns a declarative pipeline into a Builder. The Builder is
// returned unbuilt so callers may attach a terminal or further hooks first.
func (r *Registry) Compile(pc config.PipelineConf, opts CompileOptions) (*conduct.Builder, error) {
	b := conduct.New()

	if pc.Hooks != nil {
		b.WithHooksFile(pc.Hooks.File, pc.Hooks.Export)
		if opts.Loader != nil {
			b.WithHookLoader(opts.Loader)
		}
	}

	if pc.Action != "" {
		action, err := r.resolveAction(pc.Action)
		if err != nil {
			return nil, err
		}
		b.WithAction(action)
	}

	if err := r.addActivities(b, pc.Activities, opts); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Registry) addActivities(b *conduct.Builder, activities []config.ActivityConf, opts CompileOptions) error {
	for _, a := range activities {
		kind := a.Kind
		if kind == "" {
			kind = "once"
		}

		var pred conduct.PredFunc
		if a.Pred != "" {
			var err error
			pred, err = r.resolvePred(a.Pred)
			if err != nil {
				return fmt.Errorf("activity %q: %w", a.Name, err)
			}
		}

		switch kind {
		case "break":
			b.Do(a.Name, conduct.BREAK, pred)
			continue
		case "continue":
			b.Do(a.Name, conduct.CONTINUE, pred)
			continue
		}

		body, err := r.resolveBody(a, opts)
		if err != nil {
			return fmt.Errorf("activity %q: %w", a.Name, err)
		}

		switch kind {
		case "once":
			b.Do(a.Name, body)
		case "while":
			b.Do(a.Name, conduct.WHILE, pred, body)
		case "until":
			b.Do(a.Name, conduct.UNTIL, pred, body)
		case "if":
			b.Do(a.Name, conduct.IF, pred, body)
		case "split":
			split, err := r.resolveSplit(a.Split)
			if err != nil {
				return fmt.Errorf("activity %q: %w", a.Name, err)
			}
			join, err := r.resolveJoin(a.Join)
			if err != nil {
				return fmt.Errorf("activity %q: %w", a.Name, err)
			}
			b.Do(a.Name, conduct.SPLIT, split, join, body)
		default:
			return fmt.Errorf("activity %q: unknown kind %q", a.Name, kind)
		}
	}
	return b.Err()
}

func (r *Registry) resolveBody(a config.ActivityConf, opts CompileOptions) (any, error) {
	switch {
	case a.Op != "":
		r.mu.RLock()
		fn, ok := r.ops[a.Op]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown op %q", a.Op)
		}
		return fn, nil

	case a.Exec != "":
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = opts.ExecTimeout
		}
		return hookexec.Op(a.Exec, timeout), nil

	case len(a.Activities) > 0:
		nested := conduct.New()
		if err := r.addActivities(nested, a.Activities, opts); err != nil {
			return nil, err
		}
		return nested, nil

	default:
		return nil, fmt.Errorf("no body declared")
	}
}

func (r *Registry) resolvePred(name string) (conduct.PredFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.preds[name]
	if !ok {
		return nil, fmt.Errorf("unknown pred %q", name)
	}
	return fn, nil
}

func (r *Registry) resolveSplit(name string) (conduct.SplitFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.splits[name]
	if !ok {
		return nil, fmt.Errorf("unknown splitter %q", name)
	}
	return fn, nil
}

func (r *Registry) resolveJoin(name string) (conduct.JoinFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.joins[name]
	if !ok {
		return nil, fmt.Errorf("unknown rejoiner %q", name)
	}
	return fn, nil
}

// resolveAction looks an action up and rejects ones whose SetupPipeline
// method exists with a signature the builder cannot call.
func (r *Registry) resolveAction(name string) (any, error) {
	r.mu.RLock()
	action, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	if _, implements := action.(conduct.PipelineAction); implements {
		return action, nil
	}
	if m := reflect.ValueOf(action).MethodByName("SetupPipeline"); m.IsValid() {
		return nil, fmt.Errorf("action %q: %w", name, conduct.ErrSetupNotCallable)
	}
	return action, nil
}
