// Package fin speaks the JSON file protocol of the external tuning binary.
// A request is written to a file, the binary is invoked with input and output
// paths, and the output file carries a JSON array whose first element is an
// environment dump followed by per-step payloads.
package fin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tuning steps the binary understands.
const (
	StepFindCompile   = "miopen_find_compile"
	StepFindEval      = "miopen_find_eval"
	StepPerfCompile   = "miopen_perf_compile"
	StepPerfEval      = "miopen_perf_eval"
	StepApplicability = "applicability"
)

// Request is the input document for one invocation.
type Request struct {
	Steps        []string        `json:"steps"`
	Arch         string          `json:"arch"`
	NumCU        int             `json:"num_cu"`
	Config       json.RawMessage `json:"config"`
	ConfigTunaID int64           `json:"config_tuna_id"`
	Direction    int             `json:"direction"`
	Solver       string          `json:"solver,omitempty"`
	DynamicOnly  bool            `json:"dynamic_only,omitempty"`
}

// KernelObject is one compiled kernel in a solver result.
type KernelObject struct {
	KernelFile       string `json:"kernel_file"`
	CompOptions      string `json:"comp_options"`
	Blob             string `json:"blob"`
	MD5Sum           string `json:"md5_sum"`
	UncompressedSize int64  `json:"uncompressed_size"`
}

// SolverResult is the outcome for one solver within a step.
type SolverResult struct {
	SolverName    string         `json:"solver_name"`
	FindCompiled  bool           `json:"find_compiled"`
	FindEvaluated bool           `json:"find_evaluated"`
	Reason        string         `json:"reason"`
	KernelObjects []KernelObject `json:"kernel_objects"`
	Params        string         `json:"params"`
	Time          float64        `json:"time"`
	WorkspaceSz   int64          `json:"workspace_sz"`
}

// Succeeded reports whether the solver finished the given step. The binary
// reports legacy-find solvers as unsuccessful with reason "Legacy" even
// though their results are usable, so that reason counts as success.
func (r SolverResult) Succeeded(step string) bool {
	if r.Reason == "Legacy" {
		return true
	}
	switch step {
	case StepFindCompile, StepPerfCompile:
		return r.FindCompiled
	case StepFindEval, StepPerfEval:
		return r.FindEvaluated
	}
	return false
}

// Output is the parsed response of one invocation, with the leading
// environment element already stripped.
type Output struct {
	CompileResults    []SolverResult
	EvalResults       []SolverResult
	ApplicableSolvers []string
}

type payload struct {
	FindCompileResult []SolverResult `json:"miopen_find_compile_result"`
	FindEvalResult    []SolverResult `json:"miopen_find_eval_result"`
	PerfCompileResult []SolverResult `json:"miopen_perf_compile_result"`
	PerfEvalResult    []SolverResult `json:"miopen_perf_eval_result"`
	ApplicableSolvers []string       `json:"applicable_solvers"`
}

// ParseOutput decodes the binary's output document. The first array element
// is an environment dump and is discarded.
func ParseOutput(data []byte) (Output, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Output{}, fmt.Errorf("fin: output is not a JSON array: %w", err)
	}
	if len(raw) < 2 {
		return Output{}, fmt.Errorf("fin: output has %d elements, want env plus at least one payload", len(raw))
	}

	var out Output
	for _, elem := range raw[1:] {
		var p payload
		if err := json.Unmarshal(elem, &p); err != nil {
			return Output{}, fmt.Errorf("fin: decode payload: %w", err)
		}
		out.CompileResults = append(out.CompileResults, p.FindCompileResult...)
		out.CompileResults = append(out.CompileResults, p.PerfCompileResult...)
		out.EvalResults = append(out.EvalResults, p.FindEvalResult...)
		out.EvalResults = append(out.EvalResults, p.PerfEvalResult...)
		out.ApplicableSolvers = append(out.ApplicableSolvers, p.ApplicableSolvers...)
	}
	return out, nil
}

// Summarize reduces per-solver results to a job result string. If every
// solver succeeded the summary is "success"; otherwise each solver's outcome
// is listed so the job row records which solvers failed and why.
func Summarize(results []SolverResult, step string) (ok bool, summary string) {
	if len(results) == 0 {
		return false, "no solver results"
	}
	ok = true
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Succeeded(step) {
			parts = append(parts, r.SolverName+": success")
			continue
		}
		ok = false
		reason := r.Reason
		if reason == "" {
			reason = "failed"
		}
		parts = append(parts, r.SolverName+": "+reason)
	}
	if ok {
		return true, "success"
	}
	return false, strings.Join(parts, "; ")
}

// Runner invokes the tuning binary with a request and returns its parsed
// output. Implemented by Binary for real invocations and by fakes in tests.
type Runner interface {
	Run(ctx context.Context, req Request) (Output, error)
}
