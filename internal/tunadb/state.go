package tunadb

import "errors"

// ErrInvalidTransition marks a state change the transition graph forbids.
// Callers that replay results match on it to tell a duplicate delivery
// apart from a real failure.
var ErrInvalidTransition = errors.New("invalid transition")

// State is the lifecycle state of a tuning job.
type State string

const (
	StateNew          State = "new"
	StateCompileStart State = "compile_start"
	StateCompiling    State = "compiling"
	StateCompiled     State = "compiled"
	StateEvalStart    State = "eval_start"
	StateEvaluating   State = "evaluating"
	StateEvaluated    State = "evaluated"
	StateErrored      State = "errored"
	StateBadParam     State = "bad_param"
	StateNotTunable   State = "not_tunable"
	StateTimeout      State = "timeout"
	StateAborted      State = "aborted"
)

// transitions is the allowed state graph. A job may only move along these
// edges; anything else is a programming error surfaced by SetState.
var transitions = map[State][]State{
	StateNew:          {StateCompileStart, StateEvalStart, StateErrored},
	StateCompileStart: {StateCompiling, StateErrored, StateNew},
	StateCompiling:    {StateCompiled, StateErrored, StateBadParam, StateNotTunable, StateNew},
	StateCompiled:     {StateEvalStart, StateErrored},
	StateEvalStart:    {StateEvaluating, StateErrored, StateCompiled},
	StateEvaluating:   {StateEvaluated, StateErrored, StateTimeout, StateAborted, StateCompiled, StateNew},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InProgress reports whether s is a claimed-but-unfinished state. Jobs in
// these states belong to a live worker and are reset on controlled shutdown.
func (s State) InProgress() bool {
	switch s {
	case StateCompileStart, StateCompiling, StateEvalStart, StateEvaluating:
		return true
	}
	return false
}

// resetTarget maps an in-progress state back to the fetch state a fresh
// worker would claim it from.
var resetTarget = map[State]State{
	StateCompileStart: StateNew,
	StateCompiling:    StateNew,
	StateEvalStart:    StateCompiled,
	StateEvaluating:   StateCompiled,
}

// Claiming into a start state also assigns a fresh per-job cache location.
func isStartState(s State) bool {
	return s == StateCompileStart || s == StateEvalStart
}
