package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gridtune/internal/config"
	"gridtune/internal/dispatch"
	"gridtune/internal/remote"
	"gridtune/internal/tunadb"
)

// Fleet launches worker processes on the tuning machines. Each machine runs
// one gridtune-worker process; the process attaches one consumer per node
// for compile runs and one per GPU for eval runs.
type Fleet struct {
	Machines      []config.Machine
	WorkerBin     string // path of gridtune-worker on the machines
	EtcdEndpoints []string
	Namespace     string
	DBName        string
	FinPath       string // tuning binary path on the machines
	WorkDir       string // scratch directory on the machines
	Log           *slog.Logger

	// Dial is a test hook; nil uses SSH (or local exec for machines without
	// an address).
	Dial func(m config.Machine) (remote.Executor, error)
}

// Launcher returns the function the orchestrator calls to start workers for
// a run.
func (f *Fleet) Launcher() func(ctx context.Context, op dispatch.Operation, sess tunadb.Session) error {
	return func(ctx context.Context, op dispatch.Operation, sess tunadb.Session) error {
		return f.Launch(ctx, op, sess)
	}
}

// Launch starts one worker process per machine for the session's queue.
// Processes detach from the launching shell and stop on queue cancel or
// fleet shutdown.
func (f *Fleet) Launch(ctx context.Context, op dispatch.Operation, sess tunadb.Session) error {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	bin := f.WorkerBin
	if bin == "" {
		bin = "gridtune-worker"
	}

	for _, m := range f.Machines {
		ex, err := f.dial(m)
		if err != nil {
			return fmt.Errorf("tuning: reach %s: %w", m.Hostname, err)
		}

		gpus := m.GPUs
		if op == dispatch.OpCompile || gpus <= 0 {
			gpus = 1
		}
		args := fmt.Sprintf("--op %s --session %d --db-name %s --host %s --gpus %d --etcd %s",
			op, sess.ID, f.DBName, m.Hostname, gpus, strings.Join(f.EtcdEndpoints, ","))
		if f.Namespace != "" {
			args += " --namespace " + f.Namespace
		}
		if f.FinPath != "" {
			args += " --fin-path " + f.FinPath
		}
		if f.WorkDir != "" {
			args += " --work-dir " + f.WorkDir
		}
		cmd := fmt.Sprintf("nohup %s %s >/tmp/gridtune-worker.log 2>&1 &", bin, args)
		if _, err := ex.Exec(ctx, cmd); err != nil {
			f.closeExecutor(ex)
			return fmt.Errorf("tuning: launch worker on %s: %w", m.Hostname, err)
		}
		f.closeExecutor(ex)
		log.Info("worker launched", "machine", m.Hostname, "op", op, "session", sess.ID)
	}
	return nil
}

func (f *Fleet) dial(m config.Machine) (remote.Executor, error) {
	if f.Dial != nil {
		return f.Dial(m)
	}
	if m.Addr == "" {
		return remote.Local{}, nil
	}
	key, err := os.ReadFile(m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key for %s: %w", m.Hostname, err)
	}
	return remote.DialSSH(m.Addr, m.User, key)
}

func (f *Fleet) closeExecutor(ex remote.Executor) {
	if c, ok := ex.(interface{ Close() error }); ok {
		c.Close()
	}
}
