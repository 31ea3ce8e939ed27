package worker

import (
	"strings"

	"gridtune/internal/tunadb"
)

// Verdict is the classification of one job's interleaved process output.
// The four booleans are independent; Outcome applies the precedence.
type Verdict struct {
	Timeout       bool
	ErrorCfg      bool
	AbortCfg      bool
	ErrorBadParam bool
}

// benignMarkers are substrings that make an error-looking line
// informational. Deprecation notices, obsolete-record warnings, and
// file-open chatter from the driver all mention "error" without the run
// having failed.
var benignMarkers = []string{
	"deprecated",
	"obsolete",
	"Error opening file",
	"Warning",
}

// Classify scans interleaved stdout/stderr lines from a tuning run and
// reports what went wrong, if anything. Markers follow the driver's output
// vocabulary.
func Classify(output string) Verdict {
	var v Verdict
	for _, line := range strings.Split(output, "\n") {
		switch {
		case containsAny(line, "bad param", "Invalid argument", "incorrect param"):
			v.ErrorBadParam = true
		case containsAny(line, "Timeout", "timed out"):
			v.Timeout = true
		case containsAny(line, "Aborted", "core dumped"):
			v.AbortCfg = true
		case containsAny(line, "Error", "error:", "FAILED"):
			if !benign(line) {
				v.ErrorCfg = true
			}
		}
	}
	return v
}

// Outcome reduces a verdict to the job's terminal state. statusOK is the
// step-level success flag from the binary; a status failure outranks
// everything except a bad parameter.
func (v Verdict) Outcome(statusOK bool) tunadb.State {
	switch {
	case v.ErrorBadParam:
		return tunadb.StateBadParam
	case !statusOK:
		return tunadb.StateErrored
	case v.Timeout:
		return tunadb.StateTimeout
	case v.ErrorCfg:
		return tunadb.StateErrored
	case v.AbortCfg:
		return tunadb.StateAborted
	}
	return tunadb.StateEvaluated
}

func containsAny(line string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func benign(line string) bool {
	for _, m := range benignMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
