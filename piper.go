package conduct

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/conduct/internal/log"
)

// DefaultPoolSize is the worker cap used when Pipe is called with a
// non-positive maxConcurrent.
const DefaultPoolSize = 10

// Piper feeds many independent seed contexts through one pipeline with a
// bounded number of in-flight runs, returning per-seed settlements in input
// order.
type Piper struct {
	runner *Runner
	logger *slog.Logger
}

// NewPiper creates a Piper over a runner. A nil runner gets a default one.
func NewPiper(runner *Runner) *Piper {
	if runner == nil {
		runner = NewRunner()
	}
	return &Piper{
		runner: runner,
		logger: log.WithComponent("piper"),
	}
}

// Seeds normalises a value into a seed list: a []any passes through,
// anything else becomes a single-item list.
func Seeds(v any) []any {
	if items, ok := v.([]any); ok {
		return items
	}
	return []any{v}
}

// Pipe runs every seed through the pipeline with at most maxConcurrent
// in-flight runs (DefaultPoolSize when non-positive).
//
// The hook source's Setup runs once before any seed, with the full seed list;
// its failure fails the whole call. Each worker pulls the next unclaimed seed
// and records the outcome at the seed's original index; one seed's failure
// never affects another and never surfaces as an error here. Cleanup runs
// once after the last worker returns, and its failure is surfaced even when
// every seed succeeded, alongside the (complete) settlements.
func (p *Piper) Pipe(ctx context.Context, pl *Pipeline, seeds []any, maxConcurrent int) ([]Settlement, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultPoolSize
	}

	env := p.runner.envFor(pl, nil, nil)
	p.runner.sink.Publish("pipe.started", map[string]any{
		"pipeline": pl.id,
		"seeds":    len(seeds),
		"workers":  min(maxConcurrent, len(seeds)),
	})
	p.logger.Debug("pipe started", "pipeline", pl.id, "seeds", len(seeds), "max_concurrent", maxConcurrent)

	if err := env.dispatcher.Setup(ctx, seeds); err != nil {
		p.logger.Error("setup failed", "pipeline", pl.id, "error", err)
		return nil, err
	}

	settled := p.runner.fanout(ctx, env, seeds, maxConcurrent)

	if err := env.dispatcher.Cleanup(ctx); err != nil {
		p.logger.Error("cleanup failed", "pipeline", pl.id, "error", err)
		return settled, err
	}

	p.runner.sink.Publish("pipe.finished", map[string]any{
		"pipeline":  pl.id,
		"fulfilled": countFulfilled(settled),
		"rejected":  len(settled) - countFulfilled(settled),
	})
	return settled, nil
}

func countFulfilled(settled []Settlement) int {
	n := 0
	for _, s := range settled {
		if s.Fulfilled() {
			n++
		}
	}
	return n
}
