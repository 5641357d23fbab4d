package conduct

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHooks is a HookSource that logs every call it receives.
type recordingHooks struct {
	mu         sync.Mutex
	calls      []string
	setupItems []any
	cleanups   int
	table      map[string]HookFunc
}

func newRecordingHooks(activities ...string) *recordingHooks {
	h := &recordingHooks{table: make(map[string]HookFunc)}
	for _, name := range activities {
		for _, event := range []string{"before", "after"} {
			key := hookName(event, name)
			h.table[key] = func(ctx context.Context, value any) error {
				h.mu.Lock()
				h.calls = append(h.calls, key)
				h.mu.Unlock()
				return nil
			}
		}
	}
	return h
}

func (h *recordingHooks) Hooks() map[string]HookFunc { return h.table }

func (h *recordingHooks) Setup(ctx context.Context, items []any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "setup")
	h.setupItems = items
	return nil
}

func (h *recordingHooks) Cleanup(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "cleanup")
	h.cleanups++
	return nil
}

func (h *recordingHooks) recorded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func runPipeline(t *testing.T, p *Pipeline, seed any) any {
	t.Helper()
	out, err := NewRunner().Run(context.Background(), p, seed)
	require.NoError(t, err)
	return out
}

// Single pipeline with ONCE activities only: 3 +1 *2 = 8.
func TestRunOnceActivities(t *testing.T) {
	p, err := New().
		Do("a", func(ctx context.Context, action, value any) (any, error) {
			return value.(int) + 1, nil
		}).
		Do("b", func(ctx context.Context, action, value any) (any, error) {
			return value.(int) * 2, nil
		}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 8, runPipeline(t, p, 3))
}

func TestRunNilResultKeepsContext(t *testing.T) {
	p, err := New().
		Do("observe", func(ctx context.Context, action, value any) (any, error) {
			return nil, nil
		}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 42, runPipeline(t, p, 42))
}

func TestRunWhileLoop(t *testing.T) {
	p, err := New().
		Do("init", func(ctx context.Context, action, value any) (any, error) {
			return map[string]int{"count": 0}, nil
		}).
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(map[string]int)["count"] < 3, nil
			},
			func(ctx context.Context, action, value any) (any, error) {
				m := value.(map[string]int)
				return map[string]int{"count": m["count"] + 1}, nil
			},
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, map[string]int{})
	assert.Equal(t, map[string]int{"count": 3}, out)
}

func TestRunWhileNeverEntered(t *testing.T) {
	entered := false
	p, err := New().
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) { return false, nil },
			func(ctx context.Context, action, value any) (any, error) {
				entered = true
				return value, nil
			},
		).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "seed", runPipeline(t, p, "seed"))
	assert.False(t, entered)
}

func TestRunUntilLoop(t *testing.T) {
	p, err := New().
		Do("init", func(ctx context.Context, action, value any) (any, error) {
			return map[string]int{"count": 0}, nil
		}).
		Do("loop", UNTIL,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(map[string]int)["count"] >= 2, nil
			},
			func(ctx context.Context, action, value any) (any, error) {
				m := value.(map[string]int)
				return map[string]int{"count": m["count"] + 1}, nil
			},
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, map[string]int{})
	assert.Equal(t, map[string]int{"count": 2}, out)
}

// UNTIL executes the body at least once even when the predicate already holds.
func TestRunUntilBodyRunsAtLeastOnce(t *testing.T) {
	runs := 0
	p, err := New().
		Do("loop", UNTIL,
			func(ctx context.Context, action, value any) (bool, error) { return true, nil },
			func(ctx context.Context, action, value any) (any, error) {
				runs++
				return value, nil
			},
		).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	assert.Equal(t, 1, runs)
}

func TestRunIf(t *testing.T) {
	mk := func(cond bool) *Pipeline {
		p, err := New().
			Do("maybe", IF,
				func(ctx context.Context, action, value any) (bool, error) { return cond, nil },
				func(ctx context.Context, action, value any) (any, error) {
					return value.(int) * 10, nil
				},
			).
			Build()
		require.NoError(t, err)
		return p
	}

	assert.Equal(t, 70, runPipeline(t, mk(true), 7))
	assert.Equal(t, 7, runPipeline(t, mk(false), 7))
}

type splitCtx struct {
	Items   []int
	Results []int
}

func TestRunSplitWithRejection(t *testing.T) {
	p, err := New().
		Do("init", func(ctx context.Context, action, value any) (any, error) {
			return &splitCtx{Items: []int{1, 2, 3}}, nil
		}).
		Do("par", SPLIT,
			func(ctx context.Context, action, value any) ([]any, error) {
				c := value.(*splitCtx)
				subs := make([]any, len(c.Items))
				for i, n := range c.Items {
					subs[i] = n
				}
				return subs, nil
			},
			func(ctx context.Context, action, original any, settled []Settlement) (any, error) {
				c := original.(*splitCtx)
				for _, s := range settled {
					if s.Fulfilled() {
						c.Results = append(c.Results, s.Value.(int))
					}
				}
				return c, nil
			},
			func(ctx context.Context, action, value any) (any, error) {
				n := value.(int)
				if n == 2 {
					return nil, fmt.Errorf("unlucky %d", n)
				}
				return n * 10, nil
			},
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, nil).(*splitCtx)
	assert.Equal(t, []int{1, 2, 3}, out.Items)
	assert.Equal(t, []int{10, 30}, out.Results)
}

func TestRunSplitRejoinerSeesAllSettlements(t *testing.T) {
	var got []Settlement
	p, err := New().
		Do("par", SPLIT,
			func(ctx context.Context, action, value any) ([]any, error) {
				return []any{1, 2, 3, 4}, nil
			},
			func(ctx context.Context, action, original any, settled []Settlement) (any, error) {
				got = settled
				return original, nil
			},
			func(ctx context.Context, action, value any) (any, error) {
				if value.(int)%2 == 0 {
					return nil, errors.New("even")
				}
				return value, nil
			},
		).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	require.Len(t, got, 4)
	assert.True(t, got[0].Fulfilled())
	assert.True(t, got[1].Rejected())
	assert.True(t, got[2].Fulfilled())
	assert.True(t, got[3].Rejected())
	// Splitter order, not completion order.
	assert.Equal(t, 1, got[0].Value)
	assert.Equal(t, 3, got[2].Value)
}

type breakCtx struct {
	Count int
	Items []int
}

func TestBreakInsideWhile(t *testing.T) {
	inner := New().
		Do("inc", func(ctx context.Context, action, value any) (any, error) {
			c := value.(breakCtx)
			c.Count++
			c.Items = append(c.Items, c.Count)
			return c, nil
		}).
		Do("brk", BREAK, func(ctx context.Context, action, value any) (bool, error) {
			return value.(breakCtx).Count >= 3, nil
		})

	p, err := New().
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(breakCtx).Count < 100, nil
			},
			inner,
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, breakCtx{}).(breakCtx)
	assert.Equal(t, 3, out.Count)
	assert.Equal(t, []int{1, 2, 3}, out.Items)
}

func TestContinueSkipsRestOfInnerPass(t *testing.T) {
	var after int
	inner := New().
		Do("inc", func(ctx context.Context, action, value any) (any, error) {
			return value.(int) + 1, nil
		}).
		Do("skip odd", CONTINUE, func(ctx context.Context, action, value any) (bool, error) {
			return value.(int)%2 == 1, nil
		}).
		Do("count evens", func(ctx context.Context, action, value any) (any, error) {
			after++
			return value, nil
		})

	p, err := New().
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(int) < 6, nil
			},
			inner,
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, 0)
	assert.Equal(t, 6, out)
	// Passes produce 1..6; "count evens" only runs on even values.
	assert.Equal(t, 3, after)
}

func TestBreakOutsideLoopIsFatal(t *testing.T) {
	p, err := New().
		Do("brk", BREAK, func(ctx context.Context, action, value any) (bool, error) {
			return true, nil
		}).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrControlFlowOutsideLoop)
}

func TestBreakInsideIfBodyIsFatal(t *testing.T) {
	inner := New().
		Do("brk", BREAK, func(ctx context.Context, action, value any) (bool, error) {
			return true, nil
		})

	p, err := New().
		Do("cond", IF,
			func(ctx context.Context, action, value any) (bool, error) { return true, nil },
			inner,
		).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	assert.ErrorIs(t, err, ErrControlFlowOutsideLoop)
}

func TestNestedLoopBreakOnlyExitsInnerLoop(t *testing.T) {
	type ctx2 struct{ Outer, Inner, Total int }

	innermost := New().
		Do("work", func(ctx context.Context, action, value any) (any, error) {
			c := value.(ctx2)
			c.Inner++
			c.Total++
			return c, nil
		}).
		Do("stop inner", BREAK, func(ctx context.Context, action, value any) (bool, error) {
			return value.(ctx2).Inner >= 2, nil
		})

	middle := New().
		Do("reset", func(ctx context.Context, action, value any) (any, error) {
			c := value.(ctx2)
			c.Inner = 0
			return c, nil
		}).
		Do("inner loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(ctx2).Inner < 10, nil
			},
			innermost,
		).
		Do("advance", func(ctx context.Context, action, value any) (any, error) {
			c := value.(ctx2)
			c.Outer++
			return c, nil
		})

	p, err := New().
		Do("outer loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(ctx2).Outer < 3, nil
			},
			middle,
		).
		Build()
	require.NoError(t, err)

	out := runPipeline(t, p, ctx2{}).(ctx2)
	// The inner break fires after 2 inner iterations; the outer loop still
	// completes its 3 passes.
	assert.Equal(t, 3, out.Outer)
	assert.Equal(t, 6, out.Total)
}

func TestBodyReturningBuilderRunsNested(t *testing.T) {
	p, err := New().
		Do("dynamic", func(ctx context.Context, action, value any) (any, error) {
			return New().
				Do("double", func(ctx context.Context, action, value any) (any, error) {
					return value.(int) * 2, nil
				}), nil
		}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 10, runPipeline(t, p, 5))
}

func TestNestedPipelineInheritsHooksWhenAbsent(t *testing.T) {
	hooks := newRecordingHooks("inner step")
	inner := New().
		Do("inner step", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		})

	p, err := New().
		Do("wrap", IF,
			func(ctx context.Context, action, value any) (bool, error) { return true, nil },
			inner,
		).
		WithHooks(hooks).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	assert.Equal(t, []string{"before$innerStep", "after$innerStep"}, hooks.recorded())
}

func TestNestedPipelineKeepsOwnHooks(t *testing.T) {
	outerHooks := newRecordingHooks("inner step")
	innerHooks := newRecordingHooks("inner step")

	inner := New().
		Do("inner step", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		}).
		WithHooks(innerHooks)

	p, err := New().
		Do("wrap", IF,
			func(ctx context.Context, action, value any) (bool, error) { return true, nil },
			inner,
		).
		WithHooks(outerHooks).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	assert.Empty(t, outerHooks.recorded())
	assert.Equal(t, []string{"before$innerStep", "after$innerStep"}, innerHooks.recorded())
}

func TestHookOrderAroundBody(t *testing.T) {
	var order []string
	var mu sync.Mutex
	hooks := HookMap{
		"before$work": func(ctx context.Context, value any) error {
			mu.Lock()
			order = append(order, "before")
			mu.Unlock()
			return nil
		},
		"after$work": func(ctx context.Context, value any) error {
			mu.Lock()
			order = append(order, "after")
			mu.Unlock()
			return nil
		},
	}

	p, err := New().
		Do("work", func(ctx context.Context, action, value any) (any, error) {
			mu.Lock()
			order = append(order, "body")
			mu.Unlock()
			return value, nil
		}).
		WithHooks(hooks).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	assert.Equal(t, []string{"before", "body", "after"}, order)
}

func TestAfterHookSkippedOnBodyFailure(t *testing.T) {
	var afterCalled bool
	hooks := HookMap{
		"after$work": func(ctx context.Context, value any) error {
			afterCalled = true
			return nil
		},
	}

	p, err := New().
		Do("work", func(ctx context.Context, action, value any) (any, error) {
			return nil, errors.New("boom")
		}).
		WithHooks(hooks).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	var actErr *ActivityError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "work", actErr.Activity)
	assert.False(t, afterCalled)
}

func TestHookTimeout(t *testing.T) {
	hooks := HookMap{
		"before$slow": func(ctx context.Context, value any) error {
			time.Sleep(500 * time.Millisecond)
			return nil
		},
	}

	p, err := New().
		Do("slow", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		}).
		WithHooks(hooks).
		Build()
	require.NoError(t, err)

	r := NewRunner(WithHookTimeout(30 * time.Millisecond))
	_, err = r.Run(context.Background(), p, nil)

	var hookErr *HookError
	require.ErrorAs(t, err, &hookErr)
	assert.True(t, hookErr.Timeout)
	assert.Equal(t, "before$slow", hookErr.Hook)
}

func TestHookFailureCarriesMangledName(t *testing.T) {
	hooks := HookMap{
		"before$fetchPage": func(ctx context.Context, value any) error {
			return errors.New("nope")
		},
	}

	p, err := New().
		Do("fetch page", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		}).
		WithHooks(hooks).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	var hookErr *HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "before$fetchPage", hookErr.Hook)
	assert.False(t, hookErr.Timeout)
}

func TestTerminalRunsOnSuccess(t *testing.T) {
	p, err := New().
		Do("a", func(ctx context.Context, action, value any) (any, error) {
			return value.(int) + 1, nil
		}).
		Done(func(ctx context.Context, action, result any, runErr error) (any, error) {
			require.NoError(t, runErr)
			return result.(int) * 100, nil
		}).
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Run(context.Background(), p, 1)
	require.NoError(t, err)
	assert.Equal(t, 200, out)
}

func TestTerminalRunsOnFailure(t *testing.T) {
	var seen error
	p, err := New().
		Do("a", func(ctx context.Context, action, value any) (any, error) {
			return nil, errors.New("boom")
		}).
		Done(func(ctx context.Context, action, result any, runErr error) (any, error) {
			seen = runErr
			return nil, nil
		}).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	require.Error(t, err)
	var actErr *ActivityError
	assert.ErrorAs(t, seen, &actErr)
}

func TestTerminalFailureAggregatesWithActivityFailure(t *testing.T) {
	p, err := New().
		Do("a", func(ctx context.Context, action, value any) (any, error) {
			return nil, errors.New("activity boom")
		}).
		Done(func(ctx context.Context, action, result any, runErr error) (any, error) {
			return nil, errors.New("terminal boom")
		}).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	require.Error(t, err)

	var actErr *ActivityError
	assert.ErrorAs(t, err, &actErr)
	var lifeErr *LifecycleError
	require.ErrorAs(t, err, &lifeErr)
	assert.Equal(t, PhaseDone, lifeErr.Phase)
	assert.ErrorContains(t, err, "activity boom")
	assert.ErrorContains(t, err, "terminal boom")
}

func TestTerminalNotRunForNestedLoopBody(t *testing.T) {
	innerDone := 0
	inner := New().
		Do("inc", func(ctx context.Context, action, value any) (any, error) {
			return value.(int) + 1, nil
		}).
		Done(func(ctx context.Context, action, result any, runErr error) (any, error) {
			innerDone++
			return result, nil
		})

	p, err := New().
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return value.(int) < 3, nil
			},
			inner,
		).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 3, runPipeline(t, p, 0))
	assert.Zero(t, innerDone)
}

func TestTerminalRunsPerSplitSubPipeline(t *testing.T) {
	var mu sync.Mutex
	innerDone := 0
	inner := New().
		Do("tag", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		}).
		Done(func(ctx context.Context, action, result any, runErr error) (any, error) {
			mu.Lock()
			innerDone++
			mu.Unlock()
			return result, nil
		})

	p, err := New().
		Do("par", SPLIT,
			func(ctx context.Context, action, value any) ([]any, error) {
				return []any{1, 2, 3}, nil
			},
			func(ctx context.Context, action, original any, settled []Settlement) (any, error) {
				return original, nil
			},
			inner,
		).
		Build()
	require.NoError(t, err)

	runPipeline(t, p, nil)
	assert.Equal(t, 3, innerDone)
}

func TestActionPassedToCallables(t *testing.T) {
	type myAction struct{ Base int }
	action := &myAction{Base: 100}

	p, err := New().
		WithAction(action).
		Do("add base", func(ctx context.Context, a, value any) (any, error) {
			return value.(int) + a.(*myAction).Base, nil
		}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 105, runPipeline(t, p, 5))
}

func TestPredicateErrorWrapsActivity(t *testing.T) {
	p, err := New().
		Do("loop", WHILE,
			func(ctx context.Context, action, value any) (bool, error) {
				return false, errors.New("pred boom")
			},
			func(ctx context.Context, action, value any) (any, error) {
				return value, nil
			},
		).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	var actErr *ActivityError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "loop", actErr.Activity)
}

func TestBodyPanicIsWrapped(t *testing.T) {
	p, err := New().
		Do("boom", func(ctx context.Context, action, value any) (any, error) {
			panic("kaboom")
		}).
		Build()
	require.NoError(t, err)

	_, err = NewRunner().Run(context.Background(), p, nil)
	var actErr *ActivityError
	require.ErrorAs(t, err, &actErr)
	assert.Contains(t, actErr.Error(), "kaboom")
}

func TestRunnerEmitsEvents(t *testing.T) {
	sink := &captureSink{}
	r := NewRunner(WithEventSink(sink))

	p, err := New().
		Do("a", func(ctx context.Context, action, value any) (any, error) {
			return value, nil
		}).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), p, nil)
	require.NoError(t, err)

	types := sink.types()
	assert.Equal(t, []string{"run.started", "activity.started", "activity.finished", "run.finished"}, types)
}

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (s *captureSink) Publish(eventType string, data any) {
	s.mu.Lock()
	s.events = append(s.events, eventType)
	s.mu.Unlock()
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}
