package tuning_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"gridtune/internal/config"
	"gridtune/internal/dispatch"
	"gridtune/internal/remote"
	"gridtune/internal/tunadb"
	"gridtune/internal/tuning"
)

type recordingExec struct {
	cmds []string
}

func (r *recordingExec) Exec(_ context.Context, cmd string) ([]byte, error) {
	r.cmds = append(r.cmds, cmd)
	return nil, nil
}

func (r *recordingExec) WriteFile(context.Context, string, []byte, fs.FileMode) error {
	return nil
}

func (r *recordingExec) ReadFile(context.Context, string) ([]byte, error) {
	return nil, nil
}

func TestFleetLaunchCommand(t *testing.T) {
	rec := &recordingExec{}
	f := &tuning.Fleet{
		Machines:      []config.Machine{{Hostname: "node1", GPUs: 4}},
		EtcdEndpoints: []string{"http://etcd:2379"},
		Namespace:     "gridtune",
		DBName:        "tuna",
		FinPath:       "/opt/rocm/bin/fin",
		WorkDir:       "/var/tmp/gridtune",
		Dial: func(m config.Machine) (remote.Executor, error) {
			return rec, nil
		},
	}

	sess := tunadb.Session{ID: 3, Arch: "gfx90a", NumCU: 104}
	if err := f.Launch(context.Background(), dispatch.OpEval, sess); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(rec.cmds) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(rec.cmds))
	}

	cmd := rec.cmds[0]
	for _, want := range []string{
		"--op eval", "--session 3", "--db-name tuna", "--host node1",
		"--gpus 4", "--etcd http://etcd:2379", "--namespace gridtune",
		"--fin-path /opt/rocm/bin/fin", "--work-dir /var/tmp/gridtune",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command %q missing %q", cmd, want)
		}
	}
}

func TestFleetLaunchCompileUsesOneConsumer(t *testing.T) {
	rec := &recordingExec{}
	f := &tuning.Fleet{
		Machines:      []config.Machine{{Hostname: "node1", GPUs: 4}},
		EtcdEndpoints: []string{"http://etcd:2379"},
		DBName:        "tuna",
		Dial: func(m config.Machine) (remote.Executor, error) {
			return rec, nil
		},
	}
	sess := tunadb.Session{ID: 3}
	if err := f.Launch(context.Background(), dispatch.OpCompile, sess); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(rec.cmds) != 1 || !strings.Contains(rec.cmds[0], "--gpus 1") {
		t.Fatalf("command %v, want --gpus 1", rec.cmds)
	}
}
