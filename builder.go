package conduct

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// PipelineAction is the optional setup surface of a parent action. Build
// invokes SetupPipeline exactly once per action instance, before freezing;
// the action may register further activities on the builder. Re-entrant
// builds from inside SetupPipeline do not re-run it.
type PipelineAction interface {
	SetupPipeline(b *Builder) error
}

// actionSetupSeen tags actions whose SetupPipeline already ran, so nested
// re-entry and rebuilds are no-ops. Keyed by the action value itself; actions
// are expected to be pointers (uncomparable action values are never tagged).
var actionSetupSeen sync.Map

// Builder accumulates activities and configuration and freezes them into a
// Pipeline. Registration is fluent; configuration errors latch on the builder
// and surface from Build.
type Builder struct {
	tag        string
	activities []*Activity
	names      map[string]struct{}

	hooks       HookSource
	hooksPath   string
	hooksExport string
	loader      HookLoader

	action   any
	terminal DoneFunc

	err     error
	buildMu sync.Mutex
	built   *Pipeline
}

// New creates an empty Builder with a fresh tag.
func New() *Builder {
	return &Builder{
		tag:   uuid.NewString(),
		names: make(map[string]struct{}),
	}
}

// Tag is the builder's read-only id.
func (b *Builder) Tag() string { return b.tag }

// Err returns the first latched configuration error, if any.
func (b *Builder) Err() error { return b.err }

// Do registers an activity. The accepted shapes, distinguished by arity:
//
//	Do(name, op)                          ONCE
//	Do(name, WHILE|UNTIL|IF, pred, op)    loop or conditional
//	Do(name, BREAK|CONTINUE, pred)        control-flow marker
//	Do(name, SPLIT, splitter, rejoiner, op)
//
// op is an OpFunc, a *Builder, or a *Pipeline. Shape mismatches latch
// ErrInvalidSignature; duplicate names latch ErrDuplicateActivity.
func (b *Builder) Do(name string, args ...any) *Builder {
	if b.err != nil {
		return b
	}
	if b.built != nil {
		b.fail(fmt.Errorf("do %q: pipeline already built: %w", name, ErrInvalidSignature))
		return b
	}
	if _, dup := b.names[name]; dup {
		b.fail(fmt.Errorf("do %q: %w", name, ErrDuplicateActivity))
		return b
	}

	act, err := b.parseActivity(name, args)
	if err != nil {
		b.fail(err)
		return b
	}
	act.action = b.action
	b.names[name] = struct{}{}
	b.activities = append(b.activities, act)
	return b
}

func (b *Builder) parseActivity(name string, args []any) (*Activity, error) {
	switch len(args) {
	case 1:
		body, ok := asBody(args[0])
		if !ok {
			return nil, fmt.Errorf("do %q: body is %T: %w", name, args[0], ErrInvalidSignature)
		}
		return &Activity{Name: name, Kind: ONCE, Body: body}, nil

	case 2:
		kind, ok := args[0].(Kind)
		if !ok || !kind.control() {
			return nil, fmt.Errorf("do %q: two-operand form requires BREAK or CONTINUE: %w", name, ErrInvalidSignature)
		}
		pred, ok := asPred(args[1])
		if !ok {
			return nil, fmt.Errorf("do %q: predicate is %T: %w", name, args[1], ErrInvalidSignature)
		}
		return &Activity{Name: name, Kind: kind, Pred: pred}, nil

	case 3:
		kind, ok := args[0].(Kind)
		if !ok || !(kind == WHILE || kind == UNTIL || kind == IF) {
			return nil, fmt.Errorf("do %q: three-operand form requires WHILE, UNTIL, or IF: %w", name, ErrInvalidSignature)
		}
		pred, ok := asPred(args[1])
		if !ok {
			return nil, fmt.Errorf("do %q: predicate is %T: %w", name, args[1], ErrInvalidSignature)
		}
		body, ok := asBody(args[2])
		if !ok {
			return nil, fmt.Errorf("do %q: body is %T: %w", name, args[2], ErrInvalidSignature)
		}
		return &Activity{Name: name, Kind: kind, Pred: pred, Body: body}, nil

	case 4:
		kind, ok := args[0].(Kind)
		if !ok || kind != SPLIT {
			return nil, fmt.Errorf("do %q: four-operand form requires SPLIT: %w", name, ErrInvalidSignature)
		}
		splitter, ok := asSplit(args[1])
		if !ok {
			return nil, fmt.Errorf("do %q: splitter is %T: %w", name, args[1], ErrInvalidSignature)
		}
		rejoiner, ok := asJoin(args[2])
		if !ok {
			return nil, fmt.Errorf("do %q: rejoiner is %T: %w", name, args[2], ErrInvalidSignature)
		}
		body, ok := asBody(args[3])
		if !ok {
			return nil, fmt.Errorf("do %q: body is %T: %w", name, args[3], ErrInvalidSignature)
		}
		return &Activity{Name: name, Kind: SPLIT, Splitter: splitter, Rejoiner: rejoiner, Body: body}, nil

	default:
		return nil, fmt.Errorf("do %q: %d operands: %w", name, len(args), ErrInvalidSignature)
	}
}

// WithHooks configures the hook source. Setting a different source twice, or
// mixing WithHooks with WithHooksFile, latches ErrHooksAlreadyConfigured;
// setting the same instance again is a no-op.
func (b *Builder) WithHooks(source HookSource) *Builder {
	if b.err != nil {
		return b
	}
	if b.hooksPath != "" {
		b.fail(fmt.Errorf("hooks already loaded from %q: %w", b.hooksPath, ErrHooksAlreadyConfigured))
		return b
	}
	if b.hooks != nil {
		if !sameIdentity(b.hooks, source) {
			b.fail(ErrHooksAlreadyConfigured)
		}
		return b
	}
	b.hooks = source
	return b
}

// WithHooksFile configures the hook source to be loaded from path at build
// time via the installed HookLoader. Mutually exclusive with WithHooks.
func (b *Builder) WithHooksFile(path, exportName string) *Builder {
	if b.err != nil {
		return b
	}
	if b.hooks != nil {
		b.fail(fmt.Errorf("hook source already set: %w", ErrHooksAlreadyConfigured))
		return b
	}
	if b.hooksPath != "" && (b.hooksPath != path || b.hooksExport != exportName) {
		b.fail(fmt.Errorf("hooks already loaded from %q: %w", b.hooksPath, ErrHooksAlreadyConfigured))
		return b
	}
	b.hooksPath = path
	b.hooksExport = exportName
	return b
}

// WithHookLoader installs the loader WithHooksFile resolves through.
func (b *Builder) WithHookLoader(l HookLoader) *Builder {
	b.loader = l
	return b
}

// WithAction sets the parent action if unset and fills it in on every
// already-registered activity that has none.
func (b *Builder) WithAction(action any) *Builder {
	if b.action == nil {
		b.action = action
	}
	for _, a := range b.activities {
		if a.action == nil {
			a.action = b.action
		}
	}
	return b
}

// Done registers the terminal callback. The last registration wins.
func (b *Builder) Done(fn DoneFunc) *Builder {
	b.terminal = fn
	return b
}

// Build freezes the builder into an immutable Pipeline. It runs the action's
// SetupPipeline once per action instance, resolves a file-based hook source,
// and memoizes the result: building twice returns the same Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if b.built != nil {
		return b.built, nil
	}

	if pa, ok := b.action.(PipelineAction); ok && taggable(b.action) {
		if _, seen := actionSetupSeen.LoadOrStore(b.action, struct{}{}); !seen {
			if err := pa.SetupPipeline(b); err != nil {
				b.fail(fmt.Errorf("action setup: %w", err))
				return nil, b.err
			}
			if b.err != nil {
				return nil, b.err
			}
		}
	}

	hooks := b.hooks
	if b.hooksPath != "" {
		if b.loader == nil {
			return nil, fmt.Errorf("load hooks from %q: %w", b.hooksPath, ErrNoHookLoader)
		}
		loaded, err := b.loader.Load(b.hooksPath, b.hooksExport)
		if err != nil {
			return nil, fmt.Errorf("load hooks from %q: %w", b.hooksPath, err)
		}
		hooks = loaded
	}

	activities := make([]*Activity, len(b.activities))
	for i, a := range b.activities {
		if a.action == nil {
			a.action = b.action
		}
		activities[i] = a
	}

	b.built = &Pipeline{
		id:          b.tag,
		fingerprint: fingerprintActivities(activities),
		activities:  activities,
		hooks:       hooks,
		action:      b.action,
		terminal:    b.terminal,
	}
	return b.built, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// asBody accepts an op callable, a nested builder, or a built pipeline.
func asBody(v any) (any, bool) {
	switch fn := v.(type) {
	case OpFunc:
		return fn, true
	case func(ctx context.Context, action, value any) (any, error):
		return OpFunc(fn), true
	case *Builder:
		return fn, true
	case *Pipeline:
		return fn, true
	default:
		return nil, false
	}
}

func asPred(v any) (PredFunc, bool) {
	switch fn := v.(type) {
	case PredFunc:
		return fn, true
	case func(ctx context.Context, action, value any) (bool, error):
		return PredFunc(fn), true
	default:
		return nil, false
	}
}

func asSplit(v any) (SplitFunc, bool) {
	switch fn := v.(type) {
	case SplitFunc:
		return fn, true
	case func(ctx context.Context, action, value any) ([]any, error):
		return SplitFunc(fn), true
	default:
		return nil, false
	}
}

func asJoin(v any) (JoinFunc, bool) {
	switch fn := v.(type) {
	case JoinFunc:
		return fn, true
	case func(ctx context.Context, action, original any, settled []Settlement) (any, error):
		return JoinFunc(fn), true
	default:
		return nil, false
	}
}

// sameIdentity reports whether two hook sources are the same instance.
// Reference kinds compare by pointer; comparable values compare by equality;
// anything else is never the same instance.
func sameIdentity(a, b HookSource) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.UnsafePointer:
		return ra.Pointer() == rb.Pointer()
	}
	if ra.Type() != rb.Type() || !ra.Type().Comparable() {
		return false
	}
	return a == b
}

// taggable reports whether an action value can key the setup-seen map.
func taggable(action any) bool {
	t := reflect.TypeOf(action)
	return t != nil && t.Comparable()
}
