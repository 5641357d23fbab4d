// Package conduct is an action pipeline runtime: ordered, named activities
// transform a shared context value under structured control flow (WHILE,
// UNTIL, IF, parallel SPLIT, non-local BREAK and CONTINUE), with pre/post
// hook dispatch keyed by activity name, a bounded worker pool for feeding
// many seed contexts through one pipeline, and a terminal callback that
// always runs.
//
// A pipeline is declared on a Builder and frozen with Build:
//
//	p, err := conduct.New().
//		Do("fetch", fetchOp).
//		Do("retry", conduct.WHILE, hasMore, fetchMore).
//		Done(report).
//		Build()
//
// Run executes one seed; Pipe settles many seeds concurrently:
//
//	out, err := conduct.NewRunner().Run(ctx, p, seed)
//	settled, err := conduct.NewPiper(nil).Pipe(ctx, p, seeds, 10)
package conduct
