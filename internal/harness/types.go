package harness

import (
	"errors"

	"github.com/roach88/publishonce/internal/guard"
)

// Outcome is the observable result of a scenario step.
type Outcome string

const (
	OutcomePublished            Outcome = "published"
	OutcomeAlreadyPublished     Outcome = "already_published"
	OutcomePublishingInProgress Outcome = "publishing_in_progress"
	OutcomeSideEffectFailed     Outcome = "side_effect_failed"
	OutcomeStoreError           Outcome = "store_error"
	OutcomeNotFound             Outcome = "not_found"

	// OutcomeHeld means the attempt is paused inside its side effect.
	OutcomeHeld Outcome = "held"
)

var validOutcomes = map[Outcome]bool{
	OutcomePublished:            true,
	OutcomeAlreadyPublished:     true,
	OutcomePublishingInProgress: true,
	OutcomeSideEffectFailed:     true,
	OutcomeStoreError:           true,
	OutcomeNotFound:             true,
	OutcomeHeld:                 true,
}

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool { return validOutcomes[o] }

// OutcomeOf maps a guard result to an Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomePublished
	}
	switch guard.CodeOf(err) {
	case guard.CodeAlreadyPublished:
		return OutcomeAlreadyPublished
	case guard.CodePublishingInProgress:
		return OutcomePublishingInProgress
	case guard.CodeSideEffectFailed:
		return OutcomeSideEffectFailed
	case guard.CodeNotFound:
		return OutcomeNotFound
	default:
		return OutcomeStoreError
	}
}

// stageOf returns the stage a failed attempt stopped at, or "".
func stageOf(err error) guard.Stage {
	var te *guard.TransitionError
	if errors.As(err, &te) {
		return te.Stage
	}
	return ""
}

// TraceEvent records one completed step.
type TraceEvent struct {
	Seq     int64       `json:"seq"`
	Node    string      `json:"node"`
	Op      string      `json:"op"`
	Article string      `json:"article"`
	Outcome Outcome     `json:"outcome"`
	Stage   guard.Stage `json:"stage,omitempty"`
}

// ArticleState is an article's state after the scenario.
type ArticleState struct {
	Name      string `json:"name"`
	Published bool   `json:"published"`
	Hooks     int    `json:"hooks"`
}

// Result is the outcome of running a scenario.
type Result struct {
	Scenario string `json:"scenario"`
	Backend  string `json:"backend"`

	// Pass is true when every expectation held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent   `json:"trace"`
	Final  []ArticleState `json:"final"`
	Errors []string       `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult(scenario, backend string) *Result {
	return &Result{
		Scenario: scenario,
		Backend:  backend,
		Pass:     true,
		Trace:    []TraceEvent{},
		Final:    []ArticleState{},
	}
}

// AddError records a failed expectation.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
