// Package worker executes tuning jobs: it turns a dispatched work context
// into an invocation of the tuning binary, classifies the outcome, and writes
// job state and measurements back to the store. Consumers attach to a broker
// queue; siblings on one machine coordinate disruptive actions through a
// Barrier and signal exhaustion through an EndSignal.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
)

// FetchStates returns the states an operation claims jobs from.
func FetchStates(op dispatch.Operation) []tunadb.State {
	if op == dispatch.OpEval {
		// Standalone eval sessions carry jobs straight from new.
		return []tunadb.State{tunadb.StateCompiled, tunadb.StateNew}
	}
	return []tunadb.State{tunadb.StateNew}
}

// StartState returns the transient state a claim moves jobs into.
func StartState(op dispatch.Operation) tunadb.State {
	if op == dispatch.OpEval {
		return tunadb.StateEvalStart
	}
	return tunadb.StateCompileStart
}

// RunningState returns the state stamped when execution begins.
func RunningState(op dispatch.Operation) tunadb.State {
	if op == dispatch.OpEval {
		return tunadb.StateEvaluating
	}
	return tunadb.StateCompiling
}

// RetryState returns the fetch state a failed job falls back to.
func RetryState(op dispatch.Operation) tunadb.State {
	if op == dispatch.OpEval {
		return tunadb.StateCompiled
	}
	return tunadb.StateNew
}

// FinStep maps an operation to the binary's step name.
func FinStep(op dispatch.Operation) string {
	if op == dispatch.OpEval {
		return fin.StepFindEval
	}
	return fin.StepFindCompile
}

// BuildRequest assembles the binary's input document from a work context.
// The config's opaque attributes are merged with its driver command line.
func BuildRequest(wc dispatch.WorkContext) (fin.Request, error) {
	cfg := map[string]any{}
	if wc.Config.Attrs != "" {
		if err := json.Unmarshal([]byte(wc.Config.Attrs), &cfg); err != nil {
			return fin.Request{}, fmt.Errorf("worker: config %d attrs: %w", wc.Config.ID, err)
		}
	}
	cfg["cmd"] = wc.Config.Driver
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fin.Request{}, fmt.Errorf("worker: marshal config: %w", err)
	}

	return fin.Request{
		Steps:        []string{wc.FinStep},
		Arch:         wc.Arch,
		NumCU:        wc.NumCU,
		Config:       raw,
		ConfigTunaID: wc.Config.ID,
		Direction:    wc.Config.Direction,
		Solver:       wc.Solver,
	}, nil
}

// Execute runs one work context through the binary. Failures are folded into
// the result rather than returned, so they travel the same path back to the
// drain as successes.
func Execute(ctx context.Context, runner fin.Runner, wc dispatch.WorkContext) dispatch.TaskResult {
	req, err := BuildRequest(wc)
	if err != nil {
		return dispatch.TaskResult{Context: wc, Err: err.Error()}
	}
	out, err := runner.Run(ctx, req)
	if err != nil {
		return dispatch.TaskResult{Context: wc, Err: err.Error()}
	}
	return dispatch.TaskResult{Context: wc, Output: out}
}

// Consumer attaches one compute resource to a broker queue. Compile runs get
// one consumer per node; eval runs get one per GPU.
type Consumer struct {
	Broker  dispatch.Broker
	Results dispatch.ResultStore
	Runner  fin.Runner
	Queue   string
	Name    string
	// Barrier is shared by sibling consumers on the machine. Nil means the
	// consumer never parks.
	Barrier *Barrier
	// Recover runs a disruptive device recovery (a GPU reset) behind the
	// barrier when a task output shows the device was lost.
	Recover func() error
	Log     *slog.Logger
}

// Run consumes tasks until the queue is cancelled, a shutdown is broadcast,
// or ctx ends. Each result lands in the result store under the queue name.
// An idle consumer parks at the barrier as soon as a sibling requests a
// disruptive action instead of making it wait for the next delivery.
func (c *Consumer) Run(ctx context.Context) error {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	tasks, err := c.Broker.Consume(ctx, c.Queue, c.Name)
	if err != nil {
		return fmt.Errorf("worker: consume %s: %w", c.Queue, err)
	}
	log.Info("consumer started", "name", c.Name, "queue", c.Queue)

	for {
		var wc dispatch.WorkContext
		var ok bool
		if c.Barrier != nil {
			select {
			case <-c.Barrier.Pending():
				if err := c.Barrier.Checkpoint(ctx); err != nil {
					return err
				}
				continue
			case wc, ok = <-tasks:
			}
		} else {
			wc, ok = <-tasks
		}
		if !ok {
			log.Info("consumer stopped", "name", c.Name)
			return nil
		}
		if err := c.handle(ctx, log, wc); err != nil {
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, log *slog.Logger, wc dispatch.WorkContext) error {
	if c.Barrier != nil {
		if err := c.Barrier.Checkpoint(ctx); err != nil {
			return err
		}
	}
	res := Execute(ctx, c.Runner, wc)
	if res.Err != "" {
		log.Warn("task failed", "task", wc.TaskID, "job", wc.Job.ID, "err", res.Err)
		if c.Barrier != nil && c.Recover != nil && Classify(res.Err).AbortCfg {
			log.Warn("device fault, waiting for siblings before recovery", "task", wc.TaskID)
			if err := c.Barrier.Request(ctx, c.Recover); err != nil {
				return fmt.Errorf("worker: device recovery: %w", err)
			}
		}
	}
	if err := c.Results.Put(ctx, c.Queue, res); err != nil {
		return fmt.Errorf("worker: store result for %s: %w", wc.TaskID, err)
	}
	return nil
}
