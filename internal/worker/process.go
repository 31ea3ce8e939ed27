package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
)

// Processor writes task results back to the store. It is shared by the
// drain, which consumes the result channel, and by direct-attached workers.
// All writes are idempotent: a replayed result lands on the same rows.
type Processor struct {
	Store   *tunadb.Store
	Solvers *tunadb.SolverCache
	Log     *slog.Logger
}

// NewProcessor creates a processor with its own solver cache.
func NewProcessor(store *tunadb.Store, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{Store: store, Solvers: store.NewSolverCache(), Log: log}
}

// setState applies a result's state change, tolerating replays: a result
// delivered twice finds the job already moved on, which is not a failure.
func (p *Processor) setState(ctx context.Context, jobID int64, state tunadb.State, result string) error {
	err := p.Store.SetState(ctx, jobID, state, result)
	if errors.Is(err, tunadb.ErrInvalidTransition) {
		p.Log.Info("replayed result ignored", "job", jobID, "state", state)
		return nil
	}
	return err
}

// Process applies one task result to the job store and returns the job's new
// state.
func (p *Processor) Process(ctx context.Context, res dispatch.TaskResult) (tunadb.State, error) {
	switch res.Context.Operation {
	case dispatch.OpCompile:
		return p.processCompile(ctx, res)
	case dispatch.OpEval:
		return p.processEval(ctx, res)
	}
	return "", fmt.Errorf("worker: unknown operation %q", res.Context.Operation)
}

func (p *Processor) processCompile(ctx context.Context, res dispatch.TaskResult) (tunadb.State, error) {
	job := res.Context.Job

	if res.Err != "" {
		state := tunadb.StateErrored
		if Classify(res.Err).ErrorBadParam {
			state = tunadb.StateBadParam
		}
		if err := p.setState(ctx, job.ID, state, res.Err); err != nil {
			return "", err
		}
		return state, nil
	}

	results := res.Output.CompileResults
	_, summary := fin.Summarize(results, res.Context.FinStep)

	var objs []tunadb.KernelObject
	anyOK := false
	for _, r := range results {
		if !r.Succeeded(res.Context.FinStep) {
			continue
		}
		anyOK = true
		for _, ko := range r.KernelObjects {
			blob, err := base64.StdEncoding.DecodeString(ko.Blob)
			if err != nil {
				p.Log.Warn("skipping undecodable kernel blob",
					"job", job.ID, "kernel", ko.KernelFile, "err", err)
				continue
			}
			objs = append(objs, tunadb.KernelObject{
				Name:             ko.KernelFile,
				Args:             ko.CompOptions,
				Blob:             blob,
				Hash:             ko.MD5Sum,
				UncompressedSize: ko.UncompressedSize,
			})
		}
	}

	state := compileOutcome(results, res.Context.FinStep)
	if anyOK {
		if err := p.Store.AddKernelObjects(ctx, job.ID, objs); err != nil {
			return "", err
		}
	}
	if err := p.setState(ctx, job.ID, state, summary); err != nil {
		return "", err
	}
	return state, nil
}

// compileOutcome folds per-solver compile results into one job state. Any
// compiled solver makes the job usable for eval; otherwise the reasons
// decide between the terminal failure states.
func compileOutcome(results []fin.SolverResult, step string) tunadb.State {
	if len(results) == 0 {
		return tunadb.StateErrored
	}
	allNotTunable := true
	for _, r := range results {
		if r.Succeeded(step) {
			return tunadb.StateCompiled
		}
		reason := strings.ToLower(r.Reason)
		if strings.Contains(reason, "bad param") || strings.Contains(reason, "invalid") {
			return tunadb.StateBadParam
		}
		if !strings.Contains(reason, "tunable") {
			allNotTunable = false
		}
	}
	if allNotTunable {
		return tunadb.StateNotTunable
	}
	return tunadb.StateErrored
}

func (p *Processor) processEval(ctx context.Context, res dispatch.TaskResult) (tunadb.State, error) {
	job := res.Context.Job

	if res.Err != "" {
		return p.failEval(ctx, job.ID, res.Err)
	}

	results := res.Output.EvalResults
	ok, summary := fin.Summarize(results, res.Context.FinStep)

	// Measurements from solvers that did finish are kept even when the job
	// as a whole will retry; the upsert makes replays harmless.
	for _, r := range results {
		if !r.Succeeded(res.Context.FinStep) {
			continue
		}
		solverID, err := p.Solvers.ID(ctx, r.SolverName)
		if err != nil {
			return "", err
		}
		fr := tunadb.FindResult{
			Session:     res.Context.Session,
			Config:      res.Context.Config.ID,
			Solver:      solverID,
			FinStep:     res.Context.FinStep,
			KernelTime:  r.Time,
			WorkspaceSz: r.WorkspaceSz,
			Params:      r.Params,
			Valid:       true,
		}
		if err := p.Store.UpsertFindResult(ctx, fr); err != nil {
			return "", err
		}
	}

	if !ok {
		return p.failEval(ctx, job.ID, summary)
	}

	if err := p.Store.ClearKernelCache(ctx, job.ID); err != nil {
		return "", err
	}
	if err := p.setState(ctx, job.ID, tunadb.StateEvaluated, summary); err != nil {
		return "", err
	}
	return tunadb.StateEvaluated, nil
}

// failEval routes an eval failure through the bounded retry: below the bound
// the job returns to its fetch state, at the bound it parks in the state the
// output classification picked.
func (p *Processor) failEval(ctx context.Context, jobID int64, output string) (tunadb.State, error) {
	failState := Classify(output).Outcome(true)
	if failState == tunadb.StateEvaluated {
		// Nothing in the output matched a marker; the step still failed.
		failState = tunadb.StateErrored
	}
	retried, err := p.Store.RetryOrFail(ctx, jobID, RetryState(dispatch.OpEval), failState, output)
	if err != nil {
		return "", err
	}
	if retried {
		return RetryState(dispatch.OpEval), nil
	}
	return failState, nil
}
