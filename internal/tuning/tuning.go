// Package tuning orchestrates a session: it claims jobs from the store,
// feeds them through the broker to the fleet, and drains the result channel
// back into the store. Termination is two-sided: the run is over only when
// no claimable jobs remain and every dispatched task has been reconciled.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
	"gridtune/internal/worker"
)

// Args selects what one tuning run does.
type Args struct {
	Op        dispatch.Operation
	SessionID int64
	// Label restricts the run to jobs tagged with this reason.
	Label string
	// EnqueueOnly fills the queue and returns without launching workers or
	// draining results.
	EnqueueOnly bool
	BatchSize   int
}

// Orchestrator drives tuning runs. With a nil Broker the run executes on the
// local machine with direct-attached workers instead of the distributed
// channel.
type Orchestrator struct {
	Store   *tunadb.Store
	Broker  dispatch.Broker
	Results dispatch.ResultStore
	// Runner executes the binary in direct mode.
	Runner fin.Runner
	DBName string
	// Launch starts fleet workers for a run. Nil means workers are managed
	// externally.
	Launch func(ctx context.Context, op dispatch.Operation, sess tunadb.Session) error
	// LocalGPUs is the direct-mode worker count. Zero means one.
	LocalGPUs int
	Log       *slog.Logger
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// Tune runs one session to completion. Returns true when the run finished
// because work was exhausted rather than cancelled.
func (o *Orchestrator) Tune(ctx context.Context, args Args) (bool, error) {
	if args.BatchSize <= 0 {
		args.BatchSize = 10
	}
	sess, err := o.Store.GetSession(ctx, args.SessionID)
	if err != nil {
		return false, err
	}

	if o.Broker == nil {
		if err := o.runDirect(ctx, sess, args); err != nil {
			return false, err
		}
		return true, nil
	}
	return o.runDistributed(ctx, sess, args)
}

func (o *Orchestrator) runDistributed(ctx context.Context, sess tunadb.Session, args Args) (bool, error) {
	queue := dispatch.QueueName(args.Op, o.DBName, sess.ID)
	log := o.log()

	// A previous interrupted run may have left tasks behind; jobs for those
	// tasks were reset, so the stale payloads must not be re-executed.
	if n, err := o.Broker.Purge(ctx, queue); err != nil {
		return false, err
	} else if n > 0 {
		log.Info("purged stale tasks", "queue", queue, "count", n)
	}

	if !args.EnqueueOnly && o.Launch != nil {
		if err := o.Launch(ctx, args.Op, sess); err != nil {
			return false, fmt.Errorf("tuning: launch workers: %w", err)
		}
	}

	if args.EnqueueOnly {
		n, err := o.enqueue(ctx, sess, args, queue, nil, nil)
		if err != nil {
			return false, err
		}
		log.Info("enqueue-only run complete", "queue", queue, "tasks", n)
		return true, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outstanding atomic.Int64
	dispatched := newTaskSet()
	enqueueDone := make(chan struct{})
	errs := make(chan error, 2)

	go func() {
		n, err := o.enqueue(ctx, sess, args, queue, &outstanding, dispatched)
		close(enqueueDone)
		if err != nil {
			errs <- err
			cancel()
			return
		}
		log.Info("enqueue finished", "queue", queue, "tasks", n)
		errs <- nil
	}()
	go func() {
		err := o.drain(ctx, args, queue, &outstanding, dispatched, enqueueDone)
		if err != nil {
			cancel()
		}
		errs <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			// The side that failed first is the cause; the other usually
			// reports the cancellation it triggered.
			if firstErr == nil || errors.Is(firstErr, context.Canceled) {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return false, firstErr
	}
	return true, nil
}

// taskSet records the task ids one run has dispatched, shared between the
// enqueue and drain goroutines. The drain uses it to tell this run's results
// apart from strays an interrupted earlier run left behind.
type taskSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newTaskSet() *taskSet {
	return &taskSet{ids: make(map[string]struct{})}
}

func (s *taskSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *taskSet) has(id string) bool {
	s.mu.Lock()
	_, ok := s.ids[id]
	s.mu.Unlock()
	return ok
}

// enqueue claims jobs in batches and feeds them to the queue until no
// claimable work remains. Each dispatched task bumps outstanding and is
// recorded in dispatched before it reaches the broker.
func (o *Orchestrator) enqueue(ctx context.Context, sess tunadb.Session, args Args, queue string, outstanding *atomic.Int64, dispatched *taskSet) (int, error) {
	solvers := o.Store.NewSolverCache()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		jobs, err := o.Store.Claim(ctx, tunadb.ClaimArgs{
			Session:     sess.ID,
			FetchStates: worker.FetchStates(args.Op),
			TargetState: worker.StartState(args.Op),
			Limit:       args.BatchSize,
			Label:       args.Label,
			MachineID:   "dispatcher",
		})
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}

		for _, j := range jobs {
			wc, err := o.buildContext(ctx, sess, args.Op, j, solvers)
			if err != nil {
				return total, err
			}
			if err := o.Store.SetState(ctx, j.ID, worker.RunningState(args.Op), ""); err != nil {
				return total, err
			}
			if dispatched != nil {
				dispatched.add(wc.TaskID)
			}
			if err := o.Broker.Enqueue(ctx, queue, wc); err != nil {
				return total, err
			}
			if outstanding != nil {
				outstanding.Add(1)
			}
			total++
		}
	}
}

func (o *Orchestrator) buildContext(ctx context.Context, sess tunadb.Session, op dispatch.Operation, j tunadb.Job, solvers *tunadb.SolverCache) (dispatch.WorkContext, error) {
	cfg, err := o.Store.GetConfig(ctx, j.Config)
	if err != nil {
		return dispatch.WorkContext{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return dispatch.WorkContext{}, fmt.Errorf("tuning: task id: %w", err)
	}
	wc := dispatch.WorkContext{
		TaskID:    id.String(),
		Operation: op,
		Job:       j,
		Config:    cfg,
		Arch:      sess.Arch,
		NumCU:     sess.NumCU,
		Session:   sess.ID,
		FinStep:   worker.FinStep(op),
	}
	if j.Solver != nil {
		name, err := solvers.Name(ctx, *j.Solver)
		if err != nil {
			return dispatch.WorkContext{}, err
		}
		wc.Solver = name
	}
	return wc, nil
}

// drain reconciles results as they appear in the result store. It returns
// once the enqueue side has finished and outstanding has reached zero.
// Results for task ids this run never dispatched are strays from an earlier
// interrupted run; they are deleted without touching jobs or the counter.
func (o *Orchestrator) drain(ctx context.Context, args Args, queue string, outstanding *atomic.Int64, dispatched *taskSet, enqueueDone <-chan struct{}) error {
	proc := worker.NewProcessor(o.Store, o.log())

	watch, err := o.Results.Watch(ctx, queue)
	if err != nil {
		return err
	}
	// Results that landed before the watch started.
	backlog, err := o.Results.Keys(ctx, queue)
	if err != nil {
		return err
	}

	enqDone := false
	settle := func(taskID string) error {
		if !dispatched.has(taskID) {
			if _, _, err := o.Results.FetchDelete(ctx, queue, taskID); err != nil {
				return err
			}
			o.log().Warn("discarded stray result", "queue", queue, "task", taskID)
			return nil
		}
		res, ok, err := o.Results.FetchDelete(ctx, queue, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		state, err := proc.Process(ctx, res)
		if err != nil {
			return fmt.Errorf("tuning: settle task %s: %w", taskID, err)
		}
		outstanding.Add(-1)
		o.log().Debug("task settled", "task", taskID, "job", res.Context.Job.ID, "state", state)
		return nil
	}

	for _, id := range backlog {
		if err := settle(id); err != nil {
			return err
		}
	}

	for {
		if enqDone && outstanding.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-enqueueDone:
			enqDone = true
			enqueueDone = nil
		case id, ok := <-watch:
			if !ok {
				return fmt.Errorf("tuning: result watch closed with %d outstanding", outstanding.Load())
			}
			if err := settle(id); err != nil {
				return err
			}
		}
	}
}

// runDirect executes the whole run in process: one direct-attached worker
// per local GPU sharing an exhaustion signal and a machine barrier.
func (o *Orchestrator) runDirect(ctx context.Context, sess tunadb.Session, args Args) error {
	k := o.LocalGPUs
	if k <= 0 {
		k = 1
	}
	var sig worker.EndSignal
	barrier := worker.NewBarrier(k)
	proc := worker.NewProcessor(o.Store, o.log())

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		gpu := i
		d := &worker.Direct{
			Store:     o.Store,
			Runner:    o.Runner,
			Proc:      proc,
			Op:        args.Op,
			Session:   sess,
			MachineID: "local",
			Label:     args.Label,
			BatchSize: args.BatchSize,
			Signal:    &sig,
			Barrier:   barrier,
			Log:       o.log(),
		}
		if args.Op == dispatch.OpEval {
			d.GPUID = &gpu
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// Cancel aborts a running session: the queue and result prefix are purged
// best-effort, the session's consumers are told to stop, and in-progress
// jobs return to their fetch states so a later run can claim them.
func (o *Orchestrator) Cancel(ctx context.Context, op dispatch.Operation, sessionID int64) error {
	if o.Broker != nil {
		queue := dispatch.QueueName(op, o.DBName, sessionID)
		if _, err := o.Broker.Purge(ctx, queue); err != nil {
			o.log().Warn("purge on cancel failed", "queue", queue, "err", err)
		}
		if err := o.Broker.CancelConsumers(ctx, queue); err != nil {
			return err
		}
		// In-flight results become strays once their jobs are reset; drop
		// what is already there. The drain discards any that land later.
		if o.Results != nil {
			ids, err := o.Results.Keys(ctx, queue)
			if err != nil {
				o.log().Warn("result sweep on cancel failed", "queue", queue, "err", err)
			}
			for _, id := range ids {
				if _, _, err := o.Results.FetchDelete(ctx, queue, id); err != nil {
					o.log().Warn("result sweep on cancel failed", "queue", queue, "task", id, "err", err)
					break
				}
			}
		}
	}
	_, err := o.Store.ResetInProgress(ctx, sessionID, "")
	return err
}

// ShutdownWorkers broadcasts a stop signal all fleet consumers observe,
// independent of any session.
func (o *Orchestrator) ShutdownWorkers(ctx context.Context) error {
	if o.Broker == nil {
		return fmt.Errorf("tuning: no broker configured")
	}
	return o.Broker.ShutdownAll(ctx)
}
