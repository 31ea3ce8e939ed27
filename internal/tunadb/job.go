package tunadb

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"gridtune/internal/dbopen"
)

// MaxJobRetries bounds how many times a failed job may return to its fetch
// state before it is parked as errored.
const MaxJobRetries = 3

// ClaimArgs selects and marks a batch of jobs for one worker.
type ClaimArgs struct {
	Session     int64
	FetchStates []State
	TargetState State
	Limit       int
	Label       string // optional filter on job reason
	MachineID   string
	GPUID       *int
}

// Claim atomically moves up to Limit jobs from the fetch states into the
// target state and returns them. The update and the read-back share one
// transaction, so no two claimants can receive the same job. Jobs are taken
// cheapest-first: lowest retries, then lowest config id. Jobs at the retry
// bound are never claimed. An empty result means no claimable work remains
// for these states.
//
// Claiming into a start state stamps each job with a fresh randomized cache
// location so concurrent workers on one machine never share a kernel cache.
func (s *Store) Claim(ctx context.Context, args ClaimArgs) ([]Job, error) {
	if args.Limit <= 0 {
		return nil, fmt.Errorf("tunadb: claim limit must be positive, got %d", args.Limit)
	}
	if len(args.FetchStates) == 0 {
		return nil, fmt.Errorf("tunadb: claim needs at least one fetch state")
	}
	for _, fs := range args.FetchStates {
		if !CanTransition(fs, args.TargetState) {
			return nil, fmt.Errorf("tunadb: invalid claim transition %s -> %s", fs, args.TargetState)
		}
	}

	token := uuid.NewString()

	where := `session = ? AND valid = 1 AND state IN (` + placeholders(len(args.FetchStates)) + `)
		AND retries < ?`
	sel := make([]any, 0, len(args.FetchStates)+4)
	sel = append(sel, args.Session)
	for _, fs := range args.FetchStates {
		sel = append(sel, string(fs))
	}
	sel = append(sel, MaxJobRetries)
	if args.Label != "" {
		where += ` AND reason = ?`
		sel = append(sel, args.Label)
	}

	var claimed []Job
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		claimed = claimed[:0]

		upd := `UPDATE job
			SET state = ?, machine_id = ?, gpu_id = ?, claim_token = ?,
				updated_at = datetime('now')
			WHERE id IN (SELECT id FROM job WHERE ` + where + `
				ORDER BY retries ASC, config ASC LIMIT ?)`
		updArgs := []any{string(args.TargetState), args.MachineID, gpuArg(args.GPUID), token}
		updArgs = append(updArgs, sel...)
		updArgs = append(updArgs, args.Limit)
		if _, err := tx.ExecContext(ctx, upd, updArgs...); err != nil {
			return fmt.Errorf("tunadb: claim update: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+`
			FROM job WHERE claim_token = ? ORDER BY retries ASC, config ASC`, token)
		if err != nil {
			return fmt.Errorf("tunadb: claim read-back: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, j)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("tunadb: claim read-back: %w", err)
		}

		if isStartState(args.TargetState) {
			for i := range claimed {
				loc := cacheLoc()
				if _, err := tx.ExecContext(ctx,
					`UPDATE job SET cache_loc = ? WHERE id = ?`, loc, claimed[i].ID); err != nil {
					return fmt.Errorf("tunadb: stamp cache_loc: %w", err)
				}
				claimed[i].CacheLoc = loc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		s.log.Debug("claimed jobs", "session", args.Session,
			"count", len(claimed), "target", args.TargetState)
	}
	return claimed, nil
}

// SetState moves a job to a new state, validating the transition against the
// job's current state inside the transaction. A non-empty result replaces the
// stored result text.
func (s *Store) SetState(ctx context.Context, jobID int64, to State, result string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var cur State
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM job WHERE id = ?`, jobID).Scan(&cur)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tunadb: job %d not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("tunadb: read job state: %w", err)
		}
		if !CanTransition(cur, to) {
			return fmt.Errorf("tunadb: %w %s -> %s for job %d", ErrInvalidTransition, cur, to, jobID)
		}
		_, err = tx.ExecContext(ctx, `UPDATE job
			SET state = ?, result = COALESCE(NULLIF(?, ''), result),
				updated_at = datetime('now')
			WHERE id = ?`, string(to), result, jobID)
		if err != nil {
			return fmt.Errorf("tunadb: set state: %w", err)
		}
		return nil
	})
}

// RetryOrFail handles a failed job: below the retry bound it increments the
// counter and returns the job to fetchState for another attempt; at the bound
// it parks the job in failState (errored, timeout, or aborted). Reports
// whether the job will be retried.
func (s *Store) RetryOrFail(ctx context.Context, jobID int64, fetchState, failState State, result string) (bool, error) {
	if failState == "" {
		failState = StateErrored
	}
	var retried bool
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx,
			`SELECT retries FROM job WHERE id = ?`, jobID).Scan(&retries)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tunadb: job %d not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("tunadb: read retries: %w", err)
		}

		next := fetchState
		retried = retries+1 < MaxJobRetries
		if !retried {
			next = failState
		}
		_, err = tx.ExecContext(ctx, `UPDATE job
			SET state = ?, retries = retries + 1,
				result = COALESCE(NULLIF(?, ''), result),
				claim_token = '', updated_at = datetime('now')
			WHERE id = ?`, string(next), result, jobID)
		if err != nil {
			return fmt.Errorf("tunadb: retry update: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if retried {
		s.log.Info("job returned for retry", "job", jobID, "state", fetchState)
	} else {
		s.log.Warn("job exhausted retries", "job", jobID)
	}
	return retried, nil
}

// ResetInProgress returns jobs stuck in claimed-but-unfinished states to
// their fetch states. Called on controlled shutdown and before cancelling a
// session's consumers. A non-empty machineID limits the reset to jobs claimed
// by that machine.
func (s *Store) ResetInProgress(ctx context.Context, session int64, machineID string) (int64, error) {
	var total int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		total = 0
		for from, to := range resetTarget {
			q := `UPDATE job SET state = ?, claim_token = '', updated_at = datetime('now')
				WHERE session = ? AND state = ?`
			qargs := []any{string(to), session, string(from)}
			if machineID != "" {
				q += ` AND machine_id = ?`
				qargs = append(qargs, machineID)
			}
			res, err := tx.ExecContext(ctx, q, qargs...)
			if err != nil {
				return fmt.Errorf("tunadb: reset %s: %w", from, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		s.log.Info("reset in-progress jobs", "session", session, "count", total)
	}
	return total, nil
}

// ClaimableCount reports how many jobs a claim with the same arguments could
// still reach. Lets a run report the work ahead of it, or skip starting when
// there is none.
func (s *Store) ClaimableCount(ctx context.Context, session int64, fetchStates []State, label string) (int, error) {
	q := `SELECT COUNT(*) FROM job
		WHERE session = ? AND valid = 1 AND state IN (` + placeholders(len(fetchStates)) + `)
		AND retries < ?`
	qargs := make([]any, 0, len(fetchStates)+3)
	qargs = append(qargs, session)
	for _, fs := range fetchStates {
		qargs = append(qargs, string(fs))
	}
	qargs = append(qargs, MaxJobRetries)
	if label != "" {
		q += ` AND reason = ?`
		qargs = append(qargs, label)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, qargs...).Scan(&n); err != nil {
		return 0, fmt.Errorf("tunadb: claimable count: %w", err)
	}
	return n, nil
}

// StateCounts returns the number of jobs per state for a session.
func (s *Store) StateCounts(ctx context.Context, session int64) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM job WHERE session = ? GROUP BY state`, session)
	if err != nil {
		return nil, fmt.Errorf("tunadb: state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var st State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("tunadb: state counts: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, fmt.Errorf("tunadb: job %d not found", id)
	}
	return j, err
}

// AddJob inserts a new job in the new state. When a solver is set, a
// duplicate (session, config, solver) triple is ignored so repeated loads
// are harmless. Returns whether a row was inserted.
func (s *Store) AddJob(ctx context.Context, j Job) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db, `INSERT OR IGNORE INTO job
		(session, config, solver, state, reason, fin_step)
		VALUES (?, ?, ?, 'new', ?, ?)`,
		j.Session, j.Config, solverArg(j.Solver), j.Reason, j.FinStep)
	if err != nil {
		return false, fmt.Errorf("tunadb: add job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const jobColumns = `id, session, config, solver, state, reason, fin_step,
	retries, result, gpu_id, machine_id, cache_loc, valid`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var solver sql.NullInt64
	var gpu sql.NullInt64
	err := r.Scan(&j.ID, &j.Session, &j.Config, &solver, &j.State, &j.Reason,
		&j.FinStep, &j.Retries, &j.Result, &gpu, &j.MachineID, &j.CacheLoc, &j.Valid)
	if err != nil {
		return Job{}, err
	}
	if solver.Valid {
		j.Solver = &solver.Int64
	}
	if gpu.Valid {
		g := int(gpu.Int64)
		j.GPUID = &g
	}
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func gpuArg(g *int) any {
	if g == nil {
		return nil
	}
	return *g
}

func solverArg(s *int64) any {
	if s == nil {
		return nil
	}
	return *s
}

// cacheLoc builds a per-claim kernel cache directory name. The random suffix
// keeps concurrent workers on one machine from clobbering each other's cache.
func cacheLoc() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 10)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return "~/.cache/miopen_" + string(b)
}
