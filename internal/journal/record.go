package journal

import (
	"context"
	"fmt"
)

// Outcome is the journal's view of one settled seed.
type Outcome struct {
	Fulfilled bool
	Detail    string
}

// Record writes a whole pipe call through a Recorder: begin, one settlement
// per outcome at its original index, complete. It returns the run id.
func Record(ctx context.Context, rec Recorder, pipeline, fingerprint string, outcomes []Outcome) (string, error) {
	runID, err := rec.BeginRun(ctx, pipeline, fingerprint, len(outcomes))
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}

	fulfilled := 0
	for i, o := range outcomes {
		if o.Fulfilled {
			fulfilled++
		}
		if err := rec.RecordSettlement(ctx, runID, i, o.Fulfilled, o.Detail); err != nil {
			return runID, fmt.Errorf("record settlement %d: %w", i, err)
		}
	}

	if err := rec.CompleteRun(ctx, runID, fulfilled, len(outcomes)-fulfilled); err != nil {
		return runID, fmt.Errorf("complete run: %w", err)
	}
	return runID, nil
}
