package worker_test

import (
	"context"
	"encoding/base64"
	"testing"

	"gridtune/internal/dbopen"
	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/tunadb"
	"gridtune/internal/worker"

	_ "modernc.org/sqlite"
)

type fixture struct {
	store *tunadb.Store
	proc  *worker.Processor
	sess  int64
	cfg   int64
	job   tunadb.Job
}

// newFixture seeds one job and walks it into the running state for op.
func newFixture(t *testing.T, op dispatch.Operation) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(tunadb.Schema))
	store := tunadb.New(db, nil)

	sess, err := store.AddSession(ctx, tunadb.Session{Arch: "gfx90a", NumCU: 104})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	cfg, err := store.AddConfig(ctx, tunadb.Config{Driver: "conv -n 64"})
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	if _, err := store.AddJob(ctx, tunadb.Job{Session: sess, Config: cfg}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	args := tunadb.ClaimArgs{
		Session:     sess,
		FetchStates: worker.FetchStates(op),
		TargetState: worker.StartState(op),
		Limit:       1,
	}
	jobs, err := store.Claim(ctx, args)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim: %v (%d jobs)", err, len(jobs))
	}
	if err := store.SetState(ctx, jobs[0].ID, worker.RunningState(op), ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	jobs[0].State = worker.RunningState(op)

	return &fixture{
		store: store,
		proc:  worker.NewProcessor(store, nil),
		sess:  sess,
		cfg:   cfg,
		job:   jobs[0],
	}
}

func (f *fixture) taskResult(op dispatch.Operation) dispatch.TaskResult {
	return dispatch.TaskResult{Context: dispatch.WorkContext{
		TaskID:    "t-1",
		Operation: op,
		Job:       f.job,
		Config:    tunadb.Config{ID: f.cfg, Driver: "conv -n 64"},
		Session:   f.sess,
		FinStep:   worker.FinStep(op),
	}}
}

func TestProcessCompileSuccessStoresKernels(t *testing.T) {
	f := newFixture(t, dispatch.OpCompile)
	ctx := context.Background()

	res := f.taskResult(dispatch.OpCompile)
	res.Output.CompileResults = []fin.SolverResult{{
		SolverName:   "ConvAsm1x1U",
		FindCompiled: true,
		KernelObjects: []fin.KernelObject{{
			KernelFile:       "conv1x1u.s",
			Blob:             base64.StdEncoding.EncodeToString([]byte("elf")),
			MD5Sum:           "abc",
			UncompressedSize: 3,
		}},
	}}

	state, err := f.proc.Process(ctx, res)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if state != tunadb.StateCompiled {
		t.Fatalf("state = %s, want compiled", state)
	}
	objs, err := f.store.KernelObjects(ctx, f.job.ID)
	if err != nil {
		t.Fatalf("KernelObjects: %v", err)
	}
	if len(objs) != 1 || string(objs[0].Blob) != "elf" {
		t.Fatalf("kernel objects = %+v", objs)
	}
}

func TestProcessReplayedResultIsNoOp(t *testing.T) {
	f := newFixture(t, dispatch.OpCompile)
	ctx := context.Background()

	res := f.taskResult(dispatch.OpCompile)
	res.Output.CompileResults = []fin.SolverResult{{
		SolverName: "ConvAsm1x1U", FindCompiled: true,
	}}

	if _, err := f.proc.Process(ctx, res); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// A duplicate delivery of the same result finds the job already
	// terminal and must not fail.
	state, err := f.proc.Process(ctx, res)
	if err != nil {
		t.Fatalf("Process replay: %v", err)
	}
	if state != tunadb.StateCompiled {
		t.Fatalf("replay state = %s, want compiled", state)
	}
	j, err := f.store.GetJob(ctx, f.job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != tunadb.StateCompiled {
		t.Errorf("stored state = %s, want compiled", j.State)
	}
}

func TestProcessCompileNotTunable(t *testing.T) {
	f := newFixture(t, dispatch.OpCompile)

	res := f.taskResult(dispatch.OpCompile)
	res.Output.CompileResults = []fin.SolverResult{
		{SolverName: "A", Reason: "Not tunable"},
		{SolverName: "B", Reason: "not tunable for this config"},
	}
	state, err := f.proc.Process(context.Background(), res)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if state != tunadb.StateNotTunable {
		t.Fatalf("state = %s, want not_tunable", state)
	}
}

func TestProcessCompileBadParam(t *testing.T) {
	f := newFixture(t, dispatch.OpCompile)

	res := f.taskResult(dispatch.OpCompile)
	res.Output.CompileResults = []fin.SolverResult{
		{SolverName: "A", Reason: "bad param: invalid filter size"},
	}
	state, err := f.proc.Process(context.Background(), res)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if state != tunadb.StateBadParam {
		t.Fatalf("state = %s, want bad_param", state)
	}
}

func TestProcessEvalSuccess(t *testing.T) {
	f := newFixture(t, dispatch.OpEval)
	ctx := context.Background()

	res := f.taskResult(dispatch.OpEval)
	res.Output.EvalResults = []fin.SolverResult{{
		SolverName:    "ConvAsm1x1U",
		FindEvaluated: true,
		Time:          0.42,
		WorkspaceSz:   1024,
		Params:        "1,16,1,64",
	}}

	state, err := f.proc.Process(ctx, res)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if state != tunadb.StateEvaluated {
		t.Fatalf("state = %s, want evaluated", state)
	}

	solverID, err := f.proc.Solvers.ID(ctx, "ConvAsm1x1U")
	if err != nil {
		t.Fatalf("solver id: %v", err)
	}
	fr, ok, err := f.store.GetFindResult(ctx, f.sess, f.cfg, solverID)
	if err != nil || !ok {
		t.Fatalf("GetFindResult: ok=%v err=%v", ok, err)
	}
	if fr.KernelTime != 0.42 {
		t.Errorf("kernel_time = %v, want 0.42", fr.KernelTime)
	}
}

func TestProcessEvalFailureRetriesThenParks(t *testing.T) {
	f := newFixture(t, dispatch.OpEval)
	ctx := context.Background()

	res := f.taskResult(dispatch.OpEval)
	res.Err = "operation timed out waiting for GPU"

	for attempt := 0; attempt < tunadb.MaxJobRetries; attempt++ {
		state, err := f.proc.Process(ctx, res)
		if err != nil {
			t.Fatalf("Process attempt %d: %v", attempt, err)
		}
		last := attempt == tunadb.MaxJobRetries-1
		if !last && state != tunadb.StateCompiled {
			t.Fatalf("attempt %d state = %s, want compiled", attempt, state)
		}
		if last && state != tunadb.StateTimeout {
			t.Fatalf("final state = %s, want timeout", state)
		}
	}

	j, err := f.store.GetJob(ctx, f.job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != tunadb.StateTimeout {
		t.Errorf("stored state = %s, want timeout", j.State)
	}
	if j.Retries != tunadb.MaxJobRetries {
		t.Errorf("retries = %d, want %d", j.Retries, tunadb.MaxJobRetries)
	}
}

func TestProcessWorkerErrorMarksCompileErrored(t *testing.T) {
	f := newFixture(t, dispatch.OpCompile)

	res := f.taskResult(dispatch.OpCompile)
	res.Err = "fin: run: exit status 1"
	state, err := f.proc.Process(context.Background(), res)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if state != tunadb.StateErrored {
		t.Fatalf("state = %s, want errored", state)
	}
}
