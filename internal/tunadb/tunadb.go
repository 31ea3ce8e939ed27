// Package tunadb is the relational job store for tuning sessions. It owns the
// schema, the typed records, and the concurrency-safe claim protocol that
// hands batches of jobs to workers. All multi-statement operations run inside
// a single transaction through dbopen.RunTx, which retries busy conditions
// with randomized backoff.
package tunadb

import (
	"database/sql"
	"log/slog"
)

// Store wraps the tuning database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New creates a Store over an opened database. The schema must already be
// applied (dbopen.WithSchema(tunadb.Schema)).
func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for callers that need raw queries,
// primarily tests and the status surface.
func (s *Store) DB() *sql.DB { return s.db }

// Job is one unit of tuning work: compile or benchmark a single
// (config, solver) candidate within a session.
type Job struct {
	ID        int64
	Session   int64
	Config    int64
	Solver    *int64
	State     State
	Reason    string
	FinStep   string
	Retries   int
	Result    string
	GPUID     *int
	MachineID string
	CacheLoc  string
	Valid     bool
}

// Session is an immutable tuning context: one architecture and toolchain
// combination under a human-readable label.
type Session struct {
	ID         int64
	Arch       string
	NumCU      int
	RocmV      string
	TunerV     string
	Reason     string
	DockerName string
}

// Config is an immutable kernel-problem description.
type Config struct {
	ID        int64
	Driver    string
	Direction int
	Attrs     string // opaque JSON
}

// FindResult is the best measurement for one (config, solver) pair in a
// session. Unique on that triple; replayed deliveries update in place.
type FindResult struct {
	Session     int64
	Config      int64
	Solver      int64
	FinStep     string
	KernelTime  float64
	WorkspaceSz int64
	Params      string
	Valid       bool
}

// KernelObject is one compiled kernel blob attached to a job.
type KernelObject struct {
	Name             string
	Args             string
	Blob             []byte
	Hash             string
	UncompressedSize int64
}
