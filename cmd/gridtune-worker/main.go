// Command gridtune-worker attaches a machine to a tuning run. It consumes
// the session's queue from the broker, runs each task through the tuning
// binary, and writes results to the result store. Compile runs attach one
// consumer for the node; eval runs attach one consumer per GPU, all sharing
// a barrier for disruptive device actions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/remote"
	"gridtune/internal/worker"
)

func main() {
	op := flag.String("op", "compile", "operation: compile or eval")
	sessionID := flag.Int64("session", 0, "tuning session id")
	dbName := flag.String("db-name", "tuna", "database name used in queue naming")
	host := flag.String("host", "", "hostname used in consumer names (default os.Hostname)")
	gpus := flag.Int("gpus", 1, "GPU count; one eval consumer per GPU")
	etcdEndpoints := flag.String("etcd", "", "comma-separated etcd endpoints")
	namespace := flag.String("namespace", "gridtune", "etcd key namespace")
	finPath := flag.String("fin-path", "", "path of the tuning binary")
	workDir := flag.String("work-dir", "", "scratch directory for binary I/O")
	flag.Parse()

	log := setupLogger()
	if err := run(*op, *sessionID, *dbName, *host, *gpus, *etcdEndpoints, *namespace, *finPath, *workDir, log); err != nil {
		log.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func run(opName string, sessionID int64, dbName, host string, gpus int, etcdEndpoints, namespace, finPath, workDir string, log *slog.Logger) error {
	if sessionID == 0 {
		return fmt.Errorf("--session is required")
	}
	if etcdEndpoints == "" {
		return fmt.Errorf("--etcd is required")
	}
	var op dispatch.Operation
	switch opName {
	case "compile":
		op = dispatch.OpCompile
	case "eval":
		op = dispatch.OpEval
	default:
		return fmt.Errorf("unknown op %q", opName)
	}
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("hostname: %w", err)
		}
		host = h
	}

	etcd, err := dispatch.NewEtcd(dispatch.EtcdOptions{
		Endpoints: strings.Split(etcdEndpoints, ","),
		Namespace: namespace,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer etcd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &fin.Binary{Exec: remote.Local{}, Path: finPath, WorkDir: workDir}
	queue := dispatch.QueueName(op, dbName, sessionID)

	// Compile saturates the node with a single consumer; eval pins one
	// consumer to each GPU.
	n := 1
	if op == dispatch.OpEval && gpus > 1 {
		n = gpus
	}
	barrier := worker.NewBarrier(n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		var gpuID *int
		if op == dispatch.OpEval {
			g := i
			gpuID = &g
		}
		c := &worker.Consumer{
			Broker:  etcd,
			Results: etcd,
			Runner:  runner,
			Queue:   queue,
			Name:    dispatch.WorkerName(host, sessionID, gpuID),
			Barrier: barrier,
			Recover: func() error {
				out, err := remote.Local{}.Exec(ctx, "rocm-smi --gpureset")
				if err != nil {
					return fmt.Errorf("gpu reset: %w (%s)", err, out)
				}
				return nil
			},
			Log: log,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
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
