package conduct

// Settlement records the outcome of one pipeline run or one SPLIT
// sub-execution. A settlement is fulfilled when Err is nil; Value then holds
// the final context. Otherwise it is rejected and Err holds the reason.
//
// Pipe returns settlements in seed order, and SPLIT rejoiners receive them in
// splitter order, using this same shape.
type Settlement struct {
	Value any
	Err   error
}

// Fulfilled reports whether the run completed without error.
func (s Settlement) Fulfilled() bool { return s.Err == nil }

// Rejected reports whether the run failed.
func (s Settlement) Rejected() bool { return s.Err != nil }

func fulfilled(v any) Settlement { return Settlement{Value: v} }

func rejected(err error) Settlement { return Settlement{Err: err} }
