package conduct

import (
	"context"
	"fmt"
)

// OpFunc is an activity body. It receives the pipeline's parent action and
// the current context value and returns the replacement value. Returning nil
// keeps the previous value. Returning a *Builder or *Pipeline runs it as a
// nested pipeline on the current value.
type OpFunc func(ctx context.Context, action, value any) (any, error)

// PredFunc drives WHILE, UNTIL, IF, BREAK, and CONTINUE activities.
type PredFunc func(ctx context.Context, action, value any) (bool, error)

// SplitFunc expands a context value into ordered sub-contexts for SPLIT.
type SplitFunc func(ctx context.Context, action, value any) ([]any, error)

// JoinFunc folds the settled SPLIT results back into a replacement context.
// The settlements arrive in splitter order, one per sub-context.
type JoinFunc func(ctx context.Context, action, original any, settled []Settlement) (any, error)

// DoneFunc is the terminal callback. It always runs at the end of a top-level
// run: with the final context on success, or with runErr set when an activity
// failed. Its return value becomes the run result.
type DoneFunc func(ctx context.Context, action, result any, runErr error) (any, error)

// Activity is one named, kinded step of a pipeline. Body is an OpFunc, a
// *Builder, or a *Pipeline; it is nil for BREAK and CONTINUE.
type Activity struct {
	Name     string
	Kind     Kind
	Pred     PredFunc
	Splitter SplitFunc
	Rejoiner JoinFunc
	Body     any

	action any // parent action, filled by the builder
}

// validate checks the kind/callback invariants. The runner calls it when it
// first reaches the activity so structural errors surface at execution time.
func (a *Activity) validate() error {
	if !a.Kind.valid() {
		return fmt.Errorf("activity %q: %w", a.Name, ErrAmbiguousKind)
	}
	if a.Kind.needsPred() && a.Pred == nil {
		return fmt.Errorf("activity %q (%s) has no predicate: %w", a.Name, a.Kind, ErrInvalidSignature)
	}
	if a.Kind == SPLIT && (a.Splitter == nil || a.Rejoiner == nil) {
		return fmt.Errorf("activity %q: %w", a.Name, ErrSplitIncomplete)
	}
	if a.Kind.control() {
		if a.Body != nil {
			return fmt.Errorf("activity %q (%s) must not have a body: %w", a.Name, a.Kind, ErrInvalidSignature)
		}
		return nil
	}
	switch a.Body.(type) {
	case OpFunc, *Builder, *Pipeline:
		return nil
	case nil:
		return fmt.Errorf("activity %q has no body: %w", a.Name, ErrUnknownBodyKind)
	default:
		return fmt.Errorf("activity %q body is %T: %w", a.Name, a.Body, ErrUnknownBodyKind)
	}
}
