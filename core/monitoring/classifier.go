package monitoring

import (
	"regexp"

	"accel-fleet/core/models"
)

// VerdictKind tags what the classifier saw in the captured output
type VerdictKind int

const (
	// VerdictUnknown is unmatched content, left for human triage.
	VerdictUnknown VerdictKind = iota
	// VerdictProgress is a benign marker; the job is doing fine.
	VerdictProgress
	// VerdictFailure means the output shows a classified failure.
	VerdictFailure
)

// Verdict is the classifier's tagged result
type Verdict struct {
	Kind     VerdictKind
	Progress string             // marker name when Kind == VerdictProgress
	Failure  models.FailureKind // failure kind when Kind == VerdictFailure
}

type pattern struct {
	re      *regexp.Regexp
	verdict Verdict
}

// Classifier scans the tail of a job's captured output against an ordered
// pattern list. First match wins; new patterns are additive and testable in
// isolation from the polling loop.
type Classifier struct {
	patterns []pattern
}

// NewClassifier builds the default pattern list. Failure patterns come
// first so a transport error buried under progress chatter still classifies
// as a failure.
func NewClassifier() *Classifier {
	return &Classifier{patterns: []pattern{
		{regexp.MustCompile(`GRPC error|rpc error|DEADLINE_EXCEEDED|transport is closing|Socket closed`),
			Verdict{Kind: VerdictFailure, Failure: models.FailureTransient}},
		{regexp.MustCompile(`[Cc]ouldn't acquire lock|lock (?:is )?held by|[Ll]ockTimeout`),
			Verdict{Kind: VerdictFailure, Failure: models.FailureLocked}},
		{regexp.MustCompile(`[Pp]reempted|maintenance event`),
			Verdict{Kind: VerdictFailure, Failure: models.FailurePreempted}},
		{regexp.MustCompile(`[Cc]ompiling|XLA compilation`),
			Verdict{Kind: VerdictProgress, Progress: "compiling"}},
		{regexp.MustCompile(`[Ss]ampling`),
			Verdict{Kind: VerdictProgress, Progress: "sampling"}},
		{regexp.MustCompile(`epoch[ =:]?\d+|step[ =:]?\d+|loss[ =:]`),
			Verdict{Kind: VerdictProgress, Progress: "training"}},
	}}
}

// Classify returns the verdict for the captured output tail.
func (c *Classifier) Classify(output string) Verdict {
	for _, p := range c.patterns {
		if p.re.MatchString(output) {
			return p.verdict
		}
	}
	return Verdict{Kind: VerdictUnknown}
}
