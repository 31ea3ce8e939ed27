package worker

import (
	"context"
	"fmt"
	"log/slog"

	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
)

// Direct is a worker that owns one compute resource and talks straight to
// the job store: claim a batch, run each job through the binary, write the
// outcome, repeat until no claimable work remains. Used when tuning runs
// without a broker, with one Direct per GPU or node.
type Direct struct {
	Store     *tunadb.Store
	Runner    fin.Runner
	Proc      *Processor
	Op        dispatch.Operation
	Session   tunadb.Session
	MachineID string
	GPUID     *int
	Label     string
	BatchSize int
	// Signal gates exhaustion across siblings; Barrier coordinates
	// disruptive actions. Both may be shared, neither may be nil.
	Signal  *EndSignal
	Barrier *Barrier
	Log     *slog.Logger
}

// Run executes the claim loop until the session has no claimable jobs for
// this operation or ctx ends.
func (d *Direct) Run(ctx context.Context) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.Barrier.Checkpoint(ctx); err != nil {
			return err
		}
		if d.Signal.Raised() {
			log.Info("exhaustion signalled by sibling, worker done",
				"session", d.Session.ID, "op", d.Op, "machine", d.MachineID)
			return nil
		}

		gen := d.Signal.Gen()
		jobs, err := d.Store.Claim(ctx, tunadb.ClaimArgs{
			Session:     d.Session.ID,
			FetchStates: FetchStates(d.Op),
			TargetState: StartState(d.Op),
			Limit:       batch,
			Label:       d.Label,
			MachineID:   d.MachineID,
			GPUID:       d.GPUID,
		})
		if err != nil {
			return fmt.Errorf("worker: claim: %w", err)
		}
		if len(jobs) == 0 {
			d.Signal.Raise(gen)
			log.Info("no claimable jobs, worker done",
				"session", d.Session.ID, "op", d.Op, "machine", d.MachineID)
			return nil
		}

		for _, j := range jobs {
			if err := d.runJob(ctx, j); err != nil {
				return err
			}
		}
	}
}

func (d *Direct) runJob(ctx context.Context, j tunadb.Job) error {
	if err := d.Store.SetState(ctx, j.ID, RunningState(d.Op), ""); err != nil {
		return err
	}
	j.State = RunningState(d.Op)

	cfg, err := d.Store.GetConfig(ctx, j.Config)
	if err != nil {
		return err
	}
	wc := dispatch.WorkContext{
		Operation: d.Op,
		Job:       j,
		Config:    cfg,
		Arch:      d.Session.Arch,
		NumCU:     d.Session.NumCU,
		Session:   d.Session.ID,
		FinStep:   FinStep(d.Op),
	}
	if j.Solver != nil {
		name, err := d.Proc.Solvers.Name(ctx, *j.Solver)
		if err != nil {
			return err
		}
		wc.Solver = name
	}

	res := Execute(ctx, d.Runner, wc)
	state, err := d.Proc.Process(ctx, res)
	if err != nil {
		return fmt.Errorf("worker: process job %d: %w", j.ID, err)
	}
	// A retried job is claimable again; a stale exhaustion raise from a
	// sibling must not stand.
	for _, fs := range FetchStates(d.Op) {
		if state == fs {
			d.Signal.Advance()
			break
		}
	}
	return nil
}
