package conduct

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Pipeline is an immutable, insertion-ordered list of activities plus the
// optional hook source, parent action, and terminal callback, produced by
// Builder.Build. A built pipeline may be executed any number of times and
// shared across concurrent workers; per-run state lives in the runner.
type Pipeline struct {
	id          string
	fingerprint string
	activities  []*Activity
	hooks       HookSource
	action      any
	terminal    DoneFunc
}

// ID is the unique id of the pipeline: the Tag of the Builder that built it.
func (p *Pipeline) ID() string { return p.id }

// Fingerprint is a stable BLAKE3 digest of the pipeline's activity names and
// kinds. Unlike ID it survives rebuilds of the same definition, which is what
// the run journal keys on.
func (p *Pipeline) Fingerprint() string { return p.fingerprint }

// Len returns the number of activities.
func (p *Pipeline) Len() int { return len(p.activities) }

// Names returns the activity names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.activities))
	for i, a := range p.activities {
		names[i] = a.Name
	}
	return names
}

// HookSource returns the configured hook source, or nil.
func (p *Pipeline) HookSource() HookSource { return p.hooks }

func fingerprintActivities(activities []*Activity) string {
	h := blake3.New()
	for _, a := range activities {
		h.Write([]byte(a.Kind.String()))
		h.Write([]byte{0})
		h.Write([]byte(a.Name))
		h.Write([]byte{0})
		if nested, ok := a.Body.(*Pipeline); ok {
			h.Write([]byte(nested.fingerprint))
			h.Write([]byte{0})
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
