package tuning

import (
	"context"
	"fmt"

	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
)

// LoadArgs controls job loading for a session.
type LoadArgs struct {
	SessionID int64
	Label     string
	FinStep   string
	// OnlyApplicable creates one job per applicable (config, solver) pair
	// instead of one per config.
	OnlyApplicable bool
}

// LoadJobs seeds a session with jobs. Duplicates from earlier loads are
// skipped; the count of newly created jobs is returned.
func (o *Orchestrator) LoadJobs(ctx context.Context, args LoadArgs) (int, error) {
	if args.FinStep == "" {
		args.FinStep = fin.StepFindCompile
	}
	added := 0

	if args.OnlyApplicable {
		pairs, err := o.Store.ApplicablePairs(ctx, args.SessionID)
		if err != nil {
			return 0, err
		}
		for _, p := range pairs {
			solver := p[1]
			ok, err := o.Store.AddJob(ctx, tunadb.Job{
				Session: args.SessionID,
				Config:  p[0],
				Solver:  &solver,
				Reason:  args.Label,
				FinStep: args.FinStep,
			})
			if err != nil {
				return added, err
			}
			if ok {
				added++
			}
		}
		return added, nil
	}

	configs, err := o.Store.ListConfigs(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range configs {
		ok, err := o.Store.AddJob(ctx, tunadb.Job{
			Session: args.SessionID,
			Config:  c.ID,
			Reason:  args.Label,
			FinStep: args.FinStep,
		})
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Applicability runs the binary's applicability step over every config and
// records which solvers can serve each one. The resulting rows are the seed
// set for per-solver job loading.
func (o *Orchestrator) Applicability(ctx context.Context, sessionID int64) error {
	if o.Runner == nil {
		return fmt.Errorf("tuning: applicability needs a local runner")
	}
	sess, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	configs, err := o.Store.ListConfigs(ctx)
	if err != nil {
		return err
	}

	solvers := o.Store.NewSolverCache()
	for _, c := range configs {
		if c.Attrs == "" {
			c.Attrs = "{}"
		}
		req := fin.Request{
			Steps:        []string{fin.StepApplicability},
			Arch:         sess.Arch,
			NumCU:        sess.NumCU,
			Config:       []byte(c.Attrs),
			ConfigTunaID: c.ID,
			Direction:    c.Direction,
		}
		out, err := o.Runner.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("tuning: applicability for config %d: %w", c.ID, err)
		}
		for _, name := range out.ApplicableSolvers {
			id, err := solvers.ID(ctx, name)
			if err != nil {
				return err
			}
			if err := o.Store.SetApplicability(ctx, sessionID, c.ID, id, true); err != nil {
				return err
			}
		}
	}
	return nil
}
