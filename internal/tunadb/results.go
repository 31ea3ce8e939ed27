package tunadb

import (
	"context"
	"database/sql"
	"fmt"

	"gridtune/internal/dbopen"
)

// UpsertFindResult records the measurement for a (config, solver, session)
// triple. A replayed delivery for the same triple updates the existing row,
// so result processing stays idempotent under duplicate dispatch.
func (s *Store) UpsertFindResult(ctx context.Context, r FindResult) error {
	_, err := dbopen.Exec(ctx, s.db, `INSERT INTO find_result
		(session, config, solver, fin_step, kernel_time, workspace_sz, params, valid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (config, solver, session) DO UPDATE SET
			fin_step = excluded.fin_step,
			kernel_time = excluded.kernel_time,
			workspace_sz = excluded.workspace_sz,
			params = excluded.params,
			valid = excluded.valid,
			updated_at = excluded.updated_at`,
		r.Session, r.Config, r.Solver, r.FinStep, r.KernelTime,
		r.WorkspaceSz, r.Params, boolInt(r.Valid))
	if err != nil {
		return fmt.Errorf("tunadb: upsert find result: %w", err)
	}
	return nil
}

// GetFindResult fetches the measurement for a (config, solver, session)
// triple. ok is false when no row exists.
func (s *Store) GetFindResult(ctx context.Context, session, config, solver int64) (FindResult, bool, error) {
	var r FindResult
	var valid int
	err := s.db.QueryRowContext(ctx, `SELECT session, config, solver, fin_step,
		kernel_time, workspace_sz, params, valid
		FROM find_result WHERE config = ? AND solver = ? AND session = ?`,
		config, solver, session).
		Scan(&r.Session, &r.Config, &r.Solver, &r.FinStep,
			&r.KernelTime, &r.WorkspaceSz, &r.Params, &valid)
	if err == sql.ErrNoRows {
		return FindResult{}, false, nil
	}
	if err != nil {
		return FindResult{}, false, fmt.Errorf("tunadb: get find result: %w", err)
	}
	r.Valid = valid != 0
	return r, true, nil
}

// AddKernelObjects attaches compiled kernel blobs to a job, replacing any
// earlier set from a previous compile attempt.
func (s *Store) AddKernelObjects(ctx context.Context, jobID int64, objs []KernelObject) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kernel_cache WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("tunadb: clear kernel cache: %w", err)
		}
		for _, o := range objs {
			_, err := tx.ExecContext(ctx, `INSERT INTO kernel_cache
				(job_id, kernel_name, kernel_args, kernel_blob, kernel_hash, uncompressed_size)
				VALUES (?, ?, ?, ?, ?, ?)`,
				jobID, o.Name, o.Args, o.Blob, o.Hash, o.UncompressedSize)
			if err != nil {
				return fmt.Errorf("tunadb: insert kernel object: %w", err)
			}
		}
		return nil
	})
}

// KernelObjects returns the compiled blobs attached to a job.
func (s *Store) KernelObjects(ctx context.Context, jobID int64) ([]KernelObject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kernel_name, kernel_args,
		kernel_blob, kernel_hash, uncompressed_size
		FROM kernel_cache WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("tunadb: kernel objects: %w", err)
	}
	defer rows.Close()

	var out []KernelObject
	for rows.Next() {
		var o KernelObject
		if err := rows.Scan(&o.Name, &o.Args, &o.Blob, &o.Hash, &o.UncompressedSize); err != nil {
			return nil, fmt.Errorf("tunadb: kernel objects: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ClearKernelCache drops a job's kernel blobs once evaluation has consumed
// them.
func (s *Store) ClearKernelCache(ctx context.Context, jobID int64) error {
	if _, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM kernel_cache WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("tunadb: clear kernel cache: %w", err)
	}
	return nil
}
