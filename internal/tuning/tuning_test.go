package tuning_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gridtune/internal/dbopen"
	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
	"gridtune/internal/tuning"
	"gridtune/internal/worker"

	_ "modernc.org/sqlite"
)

type fakeRunner struct {
	fn func(req fin.Request) (fin.Output, error)
}

func (f fakeRunner) Run(_ context.Context, req fin.Request) (fin.Output, error) {
	return f.fn(req)
}

func stepOK(req fin.Request) (fin.Output, error) {
	var out fin.Output
	for _, step := range req.Steps {
		switch step {
		case fin.StepFindCompile:
			out.CompileResults = append(out.CompileResults,
				fin.SolverResult{SolverName: "ConvAsm1x1U", FindCompiled: true})
		case fin.StepFindEval:
			out.EvalResults = append(out.EvalResults,
				fin.SolverResult{SolverName: "ConvAsm1x1U", FindEvaluated: true, Time: 0.5})
		}
	}
	return out, nil
}

func seed(t *testing.T, jobs int) (*tunadb.Store, int64) {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(tunadb.Schema))
	store := tunadb.New(db, nil)

	sess, err := store.AddSession(ctx, tunadb.Session{Arch: "gfx90a", NumCU: 104})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	for i := 0; i < jobs; i++ {
		cfg, err := store.AddConfig(ctx, tunadb.Config{Driver: "conv"})
		if err != nil {
			t.Fatalf("AddConfig: %v", err)
		}
		if _, err := store.AddJob(ctx, tunadb.Job{Session: sess, Config: cfg}); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	return store, sess
}

func startConsumer(t *testing.T, ctx context.Context, m *dispatch.Memory, queue string) {
	t.Helper()
	c := &worker.Consumer{
		Broker:  m,
		Results: m,
		Runner:  fakeRunner{fn: stepOK},
		Queue:   queue,
		Name:    dispatch.WorkerName("node1", 1, nil),
	}
	go func() {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("consumer: %v", err)
		}
	}()
}

func TestTuneDistributedTerminatesAfterAllResults(t *testing.T) {
	const jobs = 7
	store, sess := seed(t, jobs)
	m := dispatch.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var launched atomic.Bool
	o := &tuning.Orchestrator{
		Store:   store,
		Broker:  m,
		Results: m,
		DBName:  "tuna",
		Launch: func(ctx context.Context, op dispatch.Operation, s tunadb.Session) error {
			launched.Store(true)
			startConsumer(t, ctx, m, dispatch.QueueName(op, "tuna", s.ID))
			return nil
		},
	}

	ok, err := o.Tune(ctx, tuning.Args{Op: dispatch.OpCompile, SessionID: sess, BatchSize: 2})
	if err != nil {
		t.Fatalf("Tune compile: %v", err)
	}
	if !ok {
		t.Fatalf("Tune compile reported incomplete")
	}
	if !launched.Load() {
		t.Fatalf("workers never launched")
	}

	counts, err := store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateCompiled] != jobs {
		t.Fatalf("compiled = %d, want %d (counts %v)", counts[tunadb.StateCompiled], jobs, counts)
	}

	// Second phase consumes the compiled jobs.
	ok, err = o.Tune(ctx, tuning.Args{Op: dispatch.OpEval, SessionID: sess, BatchSize: 3})
	if err != nil {
		t.Fatalf("Tune eval: %v", err)
	}
	if !ok {
		t.Fatalf("Tune eval reported incomplete")
	}
	counts, err = store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateEvaluated] != jobs {
		t.Fatalf("evaluated = %d, want %d (counts %v)", counts[tunadb.StateEvaluated], jobs, counts)
	}
}

func TestTuneDiscardsStrayResults(t *testing.T) {
	const jobs = 2
	store, sess := seed(t, jobs)
	m := dispatch.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// An interrupted earlier run left results behind: one for a job that was
	// reset to new, one for a task id nothing tracks. Neither may abort the
	// run or skew its accounting.
	queue := dispatch.QueueName(dispatch.OpCompile, "tuna", sess)
	j, err := store.GetJob(ctx, 1)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	stale := dispatch.TaskResult{Context: dispatch.WorkContext{
		TaskID:    "stale-task-1",
		Operation: dispatch.OpCompile,
		Job:       j,
		Session:   sess,
		FinStep:   fin.StepFindCompile,
	}}
	stale.Output.CompileResults = []fin.SolverResult{{SolverName: "ConvAsm1x1U", FindCompiled: true}}
	if err := m.Put(ctx, queue, stale); err != nil {
		t.Fatalf("Put stale: %v", err)
	}
	orphan := stale
	orphan.Context.TaskID = "stale-task-2"
	if err := m.Put(ctx, queue, orphan); err != nil {
		t.Fatalf("Put orphan: %v", err)
	}

	o := &tuning.Orchestrator{
		Store:   store,
		Broker:  m,
		Results: m,
		DBName:  "tuna",
		Launch: func(ctx context.Context, op dispatch.Operation, s tunadb.Session) error {
			startConsumer(t, ctx, m, dispatch.QueueName(op, "tuna", s.ID))
			return nil
		},
	}
	ok, err := o.Tune(ctx, tuning.Args{Op: dispatch.OpCompile, SessionID: sess, BatchSize: 1})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if !ok {
		t.Fatalf("Tune reported incomplete")
	}

	counts, err := store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateCompiled] != jobs {
		t.Fatalf("compiled = %d, want %d (counts %v)", counts[tunadb.StateCompiled], jobs, counts)
	}
	keys, err := m.Keys(ctx, queue)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("result prefix still holds %v", keys)
	}
}

func TestTuneEnqueueOnly(t *testing.T) {
	const jobs = 4
	store, sess := seed(t, jobs)
	m := dispatch.NewMemory()
	ctx := context.Background()

	o := &tuning.Orchestrator{
		Store:   store,
		Broker:  m,
		Results: m,
		DBName:  "tuna",
		Launch: func(context.Context, dispatch.Operation, tunadb.Session) error {
			t.Errorf("workers launched during enqueue-only run")
			return nil
		},
	}
	ok, err := o.Tune(ctx, tuning.Args{
		Op: dispatch.OpCompile, SessionID: sess, BatchSize: 2, EnqueueOnly: true,
	})
	if err != nil || !ok {
		t.Fatalf("Tune: ok=%v err=%v", ok, err)
	}

	queue := dispatch.QueueName(dispatch.OpCompile, "tuna", sess)
	n, err := m.Purge(ctx, queue)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != jobs {
		t.Fatalf("queued tasks = %d, want %d", n, jobs)
	}
	counts, err := store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateCompiling] != jobs {
		t.Fatalf("compiling = %d, want %d", counts[tunadb.StateCompiling], jobs)
	}
}

func TestCancelResetsJobsAndPurgesQueue(t *testing.T) {
	const jobs = 3
	store, sess := seed(t, jobs)
	m := dispatch.NewMemory()
	ctx := context.Background()

	o := &tuning.Orchestrator{Store: store, Broker: m, Results: m, DBName: "tuna"}
	if _, err := o.Tune(ctx, tuning.Args{
		Op: dispatch.OpCompile, SessionID: sess, BatchSize: 2, EnqueueOnly: true,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	queue := dispatch.QueueName(dispatch.OpCompile, "tuna", sess)
	inflight := dispatch.TaskResult{Context: dispatch.WorkContext{TaskID: "t-1"}}
	if err := m.Put(ctx, queue, inflight); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := o.Cancel(ctx, dispatch.OpCompile, sess); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if n, _ := m.Purge(ctx, queue); n != 0 {
		t.Fatalf("queue still has %d tasks after cancel", n)
	}
	if keys, _ := m.Keys(ctx, queue); len(keys) != 0 {
		t.Fatalf("result prefix still holds %v after cancel", keys)
	}
	counts, err := store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateNew] != jobs {
		t.Fatalf("new = %d, want %d (counts %v)", counts[tunadb.StateNew], jobs, counts)
	}
}

func TestTuneDirectMode(t *testing.T) {
	const jobs = 6
	store, sess := seed(t, jobs)
	ctx := context.Background()

	o := &tuning.Orchestrator{
		Store:     store,
		Runner:    fakeRunner{fn: stepOK},
		LocalGPUs: 2,
	}
	ok, err := o.Tune(ctx, tuning.Args{Op: dispatch.OpCompile, SessionID: sess, BatchSize: 2})
	if err != nil || !ok {
		t.Fatalf("Tune: ok=%v err=%v", ok, err)
	}
	counts, err := store.StateCounts(ctx, sess)
	if err != nil {
		t.Fatalf("StateCounts: %v", err)
	}
	if counts[tunadb.StateCompiled] != jobs {
		t.Fatalf("compiled = %d, want %d (counts %v)", counts[tunadb.StateCompiled], jobs, counts)
	}
}

func TestLoadJobsOnlyApplicable(t *testing.T) {
	store, sess := seed(t, 0)
	ctx := context.Background()

	cfg, err := store.AddConfig(ctx, tunadb.Config{Driver: "conv"})
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	solvers := store.NewSolverCache()
	for _, name := range []string{"ConvAsm1x1U", "ConvOclDirectFwd"} {
		id, err := solvers.ID(ctx, name)
		if err != nil {
			t.Fatalf("solver %s: %v", name, err)
		}
		if err := store.SetApplicability(ctx, sess, cfg, id, true); err != nil {
			t.Fatalf("SetApplicability: %v", err)
		}
	}

	o := &tuning.Orchestrator{Store: store}
	n, err := o.LoadJobs(ctx, tuning.LoadArgs{
		SessionID: sess, Label: "nightly", OnlyApplicable: true,
	})
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("added %d jobs, want 2", n)
	}

	// Reloading is a no-op thanks to the uniqueness constraint.
	n, err = o.LoadJobs(ctx, tuning.LoadArgs{
		SessionID: sess, Label: "nightly", OnlyApplicable: true,
	})
	if err != nil {
		t.Fatalf("LoadJobs again: %v", err)
	}
	if n != 0 {
		t.Fatalf("reload added %d jobs, want 0", n)
	}
}

func TestApplicabilityPass(t *testing.T) {
	store, sess := seed(t, 0)
	ctx := context.Background()

	if _, err := store.AddConfig(ctx, tunadb.Config{Driver: "conv"}); err != nil {
		t.Fatalf("AddConfig: %v", err)
	}

	o := &tuning.Orchestrator{
		Store: store,
		Runner: fakeRunner{fn: func(req fin.Request) (fin.Output, error) {
			return fin.Output{ApplicableSolvers: []string{"ConvAsm1x1U", "ConvBiasActivAsm1x1U"}}, nil
		}},
	}
	if err := o.Applicability(ctx, sess); err != nil {
		t.Fatalf("Applicability: %v", err)
	}

	pairs, err := store.ApplicablePairs(ctx, sess)
	if err != nil {
		t.Fatalf("ApplicablePairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(pairs))
	}
}
