package conduct

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduct/internal/log"
)

// Runner executes pipelines. It is stateless between runs; per-run state (the
// break hub, the run id) is created for every top-level Run, so one Runner
// may serve concurrent workers.
type Runner struct {
	hookTimeout time.Duration
	poolSize    int
	sink        EventSink
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHookTimeout bounds every hook invocation. Default 1s.
func WithHookTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.hookTimeout = d }
}

// WithPoolSize caps concurrency when SPLIT fans a nested pipeline out.
// Default 10. Pipe does not read it: its own maxConcurrent falls back to
// DefaultPoolSize.
func WithPoolSize(n int) RunnerOption {
	return func(r *Runner) { r.poolSize = n }
}

// WithEventSink directs progress events at a sink, the events hub typically.
func WithEventSink(sink EventSink) RunnerOption {
	return func(r *Runner) { r.sink = sink }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		hookTimeout: DefaultHookTimeout,
		poolSize:    DefaultPoolSize,
		sink:        nopSink{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poolSize <= 0 {
		r.poolSize = DefaultPoolSize
	}
	if r.sink == nil {
		r.sink = nopSink{}
	}
	return r
}

// execEnv is the effective environment of one pipeline execution: the
// pipeline plus the hook source and parent action after falling back to the
// enclosing pipeline's when the nested one has none.
type execEnv struct {
	pipeline   *Pipeline
	hooks      HookSource
	dispatcher *hookDispatcher
	action     any
}

// runState is the transient state of one top-level run.
type runState struct {
	runID string
	hub   *breakHub
}

// Run executes the pipeline on a seed value and returns the final context.
// The terminal callback, if registered, always runs, and any failure comes
// back as a single wrapped error.
func (r *Runner) Run(ctx context.Context, p *Pipeline, seed any) (any, error) {
	return r.runTop(ctx, r.envFor(p, nil, nil), seed)
}

func (r *Runner) envFor(p *Pipeline, outerHooks HookSource, outerAction any) execEnv {
	hooks := p.hooks
	if hooks == nil {
		hooks = outerHooks
	}
	action := p.action
	if action == nil {
		action = outerAction
	}
	return execEnv{
		pipeline:   p,
		hooks:      hooks,
		dispatcher: newHookDispatcher(hooks, r.hookTimeout),
		action:     action,
	}
}

// runTop drives one top-level run: fresh break hub, terminal invocation, run
// events.
func (r *Runner) runTop(ctx context.Context, env execEnv, seed any) (any, error) {
	st := &runState{runID: uuid.NewString(), hub: newBreakHub()}
	runLogger := log.WithRun(st.runID)
	runLogger.Debug("run started", "pipeline", env.pipeline.id)
	r.sink.Publish("run.started", map[string]any{
		"run_id":   st.runID,
		"pipeline": env.pipeline.id,
	})

	result, err := r.runPipeline(ctx, st, env, seed, "")

	if env.pipeline.terminal != nil {
		out, terr := r.invokeTerminal(ctx, env, result, err)
		if terr != nil {
			terr = &LifecycleError{Phase: PhaseDone, Err: terr}
			err = errors.Join(err, terr)
		} else if err == nil {
			result = out
		}
	}

	r.sink.Publish("run.finished", map[string]any{
		"run_id":   st.runID,
		"pipeline": env.pipeline.id,
		"ok":       err == nil,
	})
	if err != nil {
		runLogger.Debug("run failed", "error", err)
		return nil, err
	}
	return result, nil
}

func (r *Runner) invokeTerminal(ctx context.Context, env execEnv, result any, runErr error) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("terminal panicked: %v", rec)
		}
	}()
	return env.pipeline.terminal(ctx, env.action, result, runErr)
}

// runPipeline iterates the activities of one pipeline. parentLoop is the id
// of the lexically enclosing loop; when empty, BREAK and CONTINUE are illegal
// at this level. Terminal handling belongs to runTop, not here, so nested
// pipelines never fire it.
func (r *Runner) runPipeline(ctx context.Context, st *runState, env execEnv, value any, parentLoop string) (any, error) {
	for _, act := range env.pipeline.activities {
		if err := act.validate(); err != nil {
			return nil, err
		}

		switch act.Kind {
		case BREAK, CONTINUE:
			if parentLoop == "" {
				return nil, fmt.Errorf("activity %q: %w", act.Name, ErrControlFlowOutsideLoop)
			}
			ok, err := r.evalPred(ctx, env, act, value)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if act.Kind == BREAK {
				st.hub.Publish(parentLoop)
				r.sink.Publish("loop.break", map[string]any{
					"run_id": st.runID,
					"loop":   parentLoop,
					"from":   act.Name,
				})
			}
			// Both markers stop this pass; the enclosing loop decides what
			// happens next.
			return value, nil

		case IF:
			ok, err := r.evalPred(ctx, env, act, value)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			next, err := r.execActivity(ctx, st, env, act, value, "")
			if err != nil {
				return nil, err
			}
			value = next

		case WHILE:
			next, err := r.runWhile(ctx, st, env, act, value)
			if err != nil {
				return nil, err
			}
			value = next

		case UNTIL:
			next, err := r.runUntil(ctx, st, env, act, value)
			if err != nil {
				return nil, err
			}
			value = next

		case SPLIT:
			next, err := r.execActivity(ctx, st, env, act, value, "")
			if err != nil {
				return nil, err
			}
			value = next

		default: // ONCE
			next, err := r.execActivity(ctx, st, env, act, value, "")
			if err != nil {
				return nil, err
			}
			value = next
		}
	}
	return value, nil
}

// runWhile: predicate, then body, until the predicate falsifies or the body
// publishes a break for this loop.
func (r *Runner) runWhile(ctx context.Context, st *runState, env execEnv, act *Activity, value any) (any, error) {
	loopID := uuid.NewString()
	for {
		ok, err := r.evalPred(ctx, env, act, value)
		if err != nil {
			return nil, err
		}
		if !ok {
			return value, nil
		}
		listener := st.hub.Subscribe(loopID)
		next, err := r.execActivity(ctx, st, env, act, value, loopID)
		listener.Cancel()
		if err != nil {
			return nil, err
		}
		value = next
		if listener.Fired() {
			return value, nil
		}
	}
}

// runUntil: body first, then break check, then predicate.
func (r *Runner) runUntil(ctx context.Context, st *runState, env execEnv, act *Activity, value any) (any, error) {
	loopID := uuid.NewString()
	for {
		listener := st.hub.Subscribe(loopID)
		next, err := r.execActivity(ctx, st, env, act, value, loopID)
		listener.Cancel()
		if err != nil {
			return nil, err
		}
		value = next
		if listener.Fired() {
			return value, nil
		}
		ok, err := r.evalPred(ctx, env, act, value)
		if err != nil {
			return nil, err
		}
		if ok {
			return value, nil
		}
	}
}

// execActivity runs before-hook, body, after-hook for one activity pass.
// loopID is non-empty only when the activity is a WHILE/UNTIL wrapper, so
// break/continue inside a nested body pipeline are scoped to it. On body
// failure the after-hook is not called.
func (r *Runner) execActivity(ctx context.Context, st *runState, env execEnv, act *Activity, value any, loopID string) (any, error) {
	r.sink.Publish("activity.started", map[string]any{
		"run_id":   st.runID,
		"pipeline": env.pipeline.id,
		"activity": act.Name,
		"kind":     act.Kind.String(),
	})

	if err := env.dispatcher.Call(ctx, "before", act.Name, value); err != nil {
		return nil, err
	}

	var (
		next any
		err  error
	)
	if act.Kind == SPLIT {
		next, err = r.execSplit(ctx, st, env, act, value)
	} else {
		next, err = r.execBody(ctx, st, env, act, act.Body, value, loopID)
	}
	if err != nil {
		r.sink.Publish("activity.failed", map[string]any{
			"run_id":   st.runID,
			"activity": act.Name,
			"error":    err.Error(),
		})
		return nil, err
	}

	if err := env.dispatcher.Call(ctx, "after", act.Name, next); err != nil {
		return nil, err
	}

	r.sink.Publish("activity.finished", map[string]any{
		"run_id":   st.runID,
		"activity": act.Name,
	})
	return next, nil
}

// execBody executes an activity body on a value and applies the replacement
// rules: a nil op result keeps the previous value, and a returned *Builder or
// *Pipeline runs as a nested pipeline on the current value.
func (r *Runner) execBody(ctx context.Context, st *runState, env execEnv, act *Activity, body, value any, loopID string) (any, error) {
	switch b := body.(type) {
	case OpFunc:
		out, err := r.invokeOp(ctx, env, act, b, value)
		if err != nil {
			return nil, err
		}
		switch nested := out.(type) {
		case *Builder, *Pipeline:
			return r.execBody(ctx, st, env, act, nested, value, loopID)
		case nil:
			return value, nil
		default:
			return out, nil
		}

	case *Builder:
		nested, err := b.Build()
		if err != nil {
			return nil, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: err}
		}
		return r.execBody(ctx, st, env, act, nested, value, loopID)

	case *Pipeline:
		nestedEnv := r.envFor(b, env.hooks, env.action)
		return r.runPipeline(ctx, st, nestedEnv, value, loopID)

	default:
		return nil, fmt.Errorf("activity %q body is %T: %w", act.Name, body, ErrUnknownBodyKind)
	}
}

// execSplit fans the context out, settles every sub-execution, and folds the
// outcomes with the rejoiner. Sub-failures never short-circuit; the rejoiner
// sees all of them.
func (r *Runner) execSplit(ctx context.Context, st *runState, env execEnv, act *Activity, value any) (any, error) {
	subs, err := act.Splitter(ctx, r.actionFor(env, act), value)
	if err != nil {
		return nil, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: err}
	}

	var settled []Settlement
	switch body := act.Body.(type) {
	case *Builder:
		nested, berr := body.Build()
		if berr != nil {
			return nil, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: berr}
		}
		settled = r.fanout(ctx, r.envFor(nested, env.hooks, env.action), subs, r.poolSize)
	case *Pipeline:
		settled = r.fanout(ctx, r.envFor(body, env.hooks, env.action), subs, r.poolSize)
	default:
		settled = make([]Settlement, len(subs))
		var wg sync.WaitGroup
		for i, sub := range subs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, serr := r.execBody(ctx, st, env, act, act.Body, sub, "")
				if serr != nil {
					settled[i] = rejected(serr)
					return
				}
				settled[i] = fulfilled(out)
			}()
		}
		wg.Wait()
	}

	r.sink.Publish("split.settled", map[string]any{
		"run_id":   st.runID,
		"activity": act.Name,
		"count":    len(settled),
	})

	out, err := act.Rejoiner(ctx, r.actionFor(env, act), value, settled)
	if err != nil {
		return nil, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: err}
	}
	if out == nil {
		return value, nil
	}
	return out, nil
}

func (r *Runner) evalPred(ctx context.Context, env execEnv, act *Activity, value any) (bool, error) {
	ok, err := invokePred(ctx, act.Pred, r.actionFor(env, act), value)
	if err != nil {
		return false, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: err}
	}
	return ok, nil
}

func (r *Runner) invokeOp(ctx context.Context, env execEnv, act *Activity, fn OpFunc, value any) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	out, err = fn(ctx, r.actionFor(env, act), value)
	if err != nil {
		return nil, &ActivityError{Activity: act.Name, PipelineID: env.pipeline.id, Err: err}
	}
	return out, nil
}

func invokePred(ctx context.Context, fn PredFunc, action, value any) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, action, value)
}

// actionFor prefers the action captured at registration and falls back to the
// effective environment's.
func (r *Runner) actionFor(env execEnv, act *Activity) any {
	if act.action != nil {
		return act.action
	}
	return env.action
}

// fanout runs each seed through env's pipeline as its own top-level run (the
// nested pipeline's terminal fires per sub-context) with at most max workers,
// settling outcomes at the seed's original index. Setup and cleanup belong to
// the outer Pipe call and are not re-invoked here.
func (r *Runner) fanout(ctx context.Context, env execEnv, seeds []any, max int) []Settlement {
	if max <= 0 {
		max = DefaultPoolSize
	}
	if max > len(seeds) {
		max = len(seeds)
	}

	settled := make([]Settlement, len(seeds))
	next := make(chan int)
	go func() {
		for i := range seeds {
			next <- i
		}
		close(next)
	}()

	var wg sync.WaitGroup
	for w := 0; w < max; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				out, err := r.runTop(ctx, env, seeds[i])
				if err != nil {
					settled[i] = rejected(err)
					continue
				}
				settled[i] = fulfilled(out)
			}
		}()
	}
	wg.Wait()
	return settled
}
