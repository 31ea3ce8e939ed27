// Command gridtune drives tuning sessions: loading jobs, launching fleet
// workers, dispatching work, and reconciling results.
//
// Usage:
//
//	gridtune tune --session_id 3 --fin_steps miopen_find_compile
//	gridtune tune --session_id 3 --fin_steps miopen_find_eval --enqueue_only
//	gridtune load-job --session_id 3 --label nightly --only_applicable
//	gridtune init-session --arch gfx90a --num_cu 104 --reason nightly
//	gridtune applicability --session_id 3
//	gridtune status
//	gridtune shutdown-workers
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "modernc.org/sqlite"

	"gridtune/internal/config"
	"gridtune/internal/dbopen"
	"gridtune/internal/dispatch"
	"gridtune/internal/fin"
	"gridtune/internal/remote"
	"gridtune/internal/status"
	"gridtune/internal/tunadb"
	"gridtune/internal/tuning"
	"gridtune/internal/worker"
)

func main() {
	log := setupLogger()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gridtune <tune|load-job|init-session|applicability|status|shutdown-workers|cancel> [flags]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "tune":
		err = runTune(ctx, log, os.Args[2:])
	case "load-job":
		err = runLoadJob(ctx, log, os.Args[2:])
	case "init-session":
		err = runInitSession(ctx, log, os.Args[2:])
	case "applicability":
		err = runApplicability(ctx, log, os.Args[2:])
	case "status":
		err = runStatus(ctx, log, os.Args[2:])
	case "shutdown-workers":
		err = runShutdownWorkers(ctx, log, os.Args[2:])
	case "cancel":
		err = runCancel(ctx, log, os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		log.Error("command failed", "command", os.Args[1], "err", err)
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

// env returns the value of the environment variable or a fallback.
func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openStore(cfgPath string, log *slog.Logger) (config.Config, *tunadb.Store, *sql.DB, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(tunadb.Schema))
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, tunadb.New(db, log), db, nil
}

func parseOp(finSteps string) (dispatch.Operation, error) {
	switch finSteps {
	case fin.StepFindCompile, fin.StepPerfCompile, "compile":
		return dispatch.OpCompile, nil
	case fin.StepFindEval, fin.StepPerfEval, "eval":
		return dispatch.OpEval, nil
	}
	return "", fmt.Errorf("unsupported fin_steps %q", finSteps)
}

func newOrchestrator(cfg config.Config, store *tunadb.Store, log *slog.Logger) (*tuning.Orchestrator, func(), error) {
	o := &tuning.Orchestrator{
		Store:  store,
		Runner: &fin.Binary{Exec: remote.Local{}, Path: cfg.FinPath, WorkDir: cfg.WorkDir},
		DBName: cfg.DBName,
		Log:    log,
	}
	cleanup := func() {}

	if len(cfg.Etcd.Endpoints) > 0 {
		etcd, err := dispatch.NewEtcd(dispatch.EtcdOptions{
			Endpoints: cfg.Etcd.Endpoints,
			Namespace: cfg.Etcd.Namespace,
			Log:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		o.Broker = etcd
		o.Results = etcd
		cleanup = func() { etcd.Close() }

		if len(cfg.Machines) > 0 {
			fleet := &tuning.Fleet{
				Machines:      cfg.Machines,
				EtcdEndpoints: cfg.Etcd.Endpoints,
				Namespace:     cfg.Etcd.Namespace,
				DBName:        cfg.DBName,
				FinPath:       cfg.FinPath,
				WorkDir:       cfg.WorkDir,
				Log:           log,
			}
			o.Launch = fleet.Launcher()
		}
	} else {
		for _, m := range cfg.Machines {
			if m.Addr == "" && m.GPUs > o.LocalGPUs {
				o.LocalGPUs = m.GPUs
			}
		}
	}
	return o, cleanup, nil
}

func runTune(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	sessionID := fs.Int64("session_id", 0, "tuning session id")
	finSteps := fs.String("fin_steps", fin.StepFindCompile, "tuning step to run")
	label := fs.String("label", "", "only tune jobs tagged with this reason")
	enqueueOnly := fs.Bool("enqueue_only", false, "fill the queue and exit without draining")
	shutdownWorkers := fs.Bool("shutdown_workers", false, "stop all fleet workers and exit")
	batch := fs.Int("batch_size", 0, "jobs claimed per batch (default from config)")
	fs.Parse(args)

	cfg, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	o, cleanup, err := newOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}
	defer cleanup()

	if *shutdownWorkers {
		return o.ShutdownWorkers(ctx)
	}

	op, err := parseOp(*finSteps)
	if err != nil {
		return err
	}
	if *sessionID == 0 {
		return fmt.Errorf("tune: --session_id is required")
	}
	b := *batch
	if b == 0 {
		b = cfg.Tuning.BatchSize
	}

	if n, err := store.ClaimableCount(ctx, *sessionID, worker.FetchStates(op), *label); err != nil {
		return err
	} else if n == 0 {
		log.Info("no claimable jobs", "session", *sessionID, "op", op)
		return nil
	} else {
		log.Info("starting tuning run", "session", *sessionID, "op", op, "claimable", n)
	}

	done, err := o.Tune(ctx, tuning.Args{
		Op:          op,
		SessionID:   *sessionID,
		Label:       *label,
		EnqueueOnly: *enqueueOnly,
		BatchSize:   b,
	})
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// Controlled shutdown: put claimed jobs back so the next run can
		// pick them up.
		log.Info("interrupted, resetting in-progress jobs", "session", *sessionID)
		return o.Cancel(context.WithoutCancel(ctx), op, *sessionID)
	}
	if err != nil {
		return err
	}
	log.Info("tuning run finished", "session", *sessionID, "op", op, "complete", done)
	return nil
}

func runLoadJob(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("load-job", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	sessionID := fs.Int64("session_id", 0, "tuning session id")
	label := fs.String("label", "", "reason tag for the new jobs")
	finSteps := fs.String("fin_steps", fin.StepFindCompile, "step the jobs will run")
	onlyApplicable := fs.Bool("only_applicable", false, "one job per applicable (config, solver) pair")
	fs.Parse(args)

	if *sessionID == 0 {
		return fmt.Errorf("load-job: --session_id is required")
	}
	_, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	o := &tuning.Orchestrator{Store: store, Log: log}
	n, err := o.LoadJobs(ctx, tuning.LoadArgs{
		SessionID:      *sessionID,
		Label:          *label,
		FinStep:        *finSteps,
		OnlyApplicable: *onlyApplicable,
	})
	if err != nil {
		return err
	}
	log.Info("jobs loaded", "session", *sessionID, "added", n)
	return nil
}

func runInitSession(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("init-session", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	arch := fs.String("arch", "", "GPU architecture, e.g. gfx90a")
	numCU := fs.Int("num_cu", 0, "compute unit count")
	rocmV := fs.String("rocm_v", "", "ROCm version")
	tunerV := fs.String("tuner_v", "", "tuner version")
	reason := fs.String("reason", "", "session label")
	docker := fs.String("docker_name", "", "docker image the fleet runs")
	fs.Parse(args)

	if *arch == "" || *numCU == 0 {
		return fmt.Errorf("init-session: --arch and --num_cu are required")
	}
	_, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := store.AddSession(ctx, tunadb.Session{
		Arch:       *arch,
		NumCU:      *numCU,
		RocmV:      *rocmV,
		TunerV:     *tunerV,
		Reason:     *reason,
		DockerName: *docker,
	})
	if err != nil {
		return err
	}
	log.Info("session ready", "session", id, "arch", *arch, "num_cu", *numCU)
	fmt.Println(id)
	return nil
}

func runApplicability(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("applicability", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	sessionID := fs.Int64("session_id", 0, "tuning session id")
	fs.Parse(args)

	if *sessionID == 0 {
		return fmt.Errorf("applicability: --session_id is required")
	}
	cfg, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	o := &tuning.Orchestrator{
		Store:  store,
		Runner: &fin.Binary{Exec: remote.Local{}, Path: cfg.FinPath, WorkDir: cfg.WorkDir},
		Log:    log,
	}
	return o.Applicability(ctx, *sessionID)
}

func runStatus(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	fs.Parse(args)

	cfg, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: status.New(store, log).Router(),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.WithoutCancel(ctx))
	}()
	log.Info("status server listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runShutdownWorkers(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("shutdown-workers", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	fs.Parse(args)

	cfg, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	o, cleanup, err := newOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := o.ShutdownWorkers(ctx); err != nil {
		return err
	}
	log.Info("shutdown broadcast sent")
	return nil
}

func runCancel(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cfgPath := fs.String("config", env("GRIDTUNE_CONFIG", ""), "path of the YAML config")
	sessionID := fs.Int64("session_id", 0, "tuning session id")
	finSteps := fs.String("fin_steps", fin.StepFindCompile, "step whose queue to cancel")
	fs.Parse(args)

	if *sessionID == 0 {
		return fmt.Errorf("cancel: --session_id is required")
	}
	cfg, store, db, err := openStore(*cfgPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	o, cleanup, err := newOrchestrator(cfg, store, log)
	if err != nil {
		return err
	}
	defer cleanup()

	op, err := parseOp(*finSteps)
	if err != nil {
		return err
	}
	if err := o.Cancel(ctx, op, *sessionID); err != nil {
		return err
	}
	log.Info("session cancelled", "session", *sessionID, "op", op)
	return nil
}
