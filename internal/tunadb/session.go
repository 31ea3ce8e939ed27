package tunadb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gridtune/internal/dbopen"
)

// AddSession inserts a session row and returns its id. If an identical
// session already exists (same arch, num_cu, versions, and reason) the
// existing id is returned instead.
func (s *Store) AddSession(ctx context.Context, sess Session) (int64, error) {
	var id int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM session
			WHERE arch = ? AND num_cu = ? AND rocm_v = ? AND tuner_v = ? AND reason = ?`,
			sess.Arch, sess.NumCU, sess.RocmV, sess.TunerV, sess.Reason).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("tunadb: session lookup: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO session
			(arch, num_cu, rocm_v, tuner_v, reason, docker_name)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sess.Arch, sess.NumCU, sess.RocmV, sess.TunerV, sess.Reason, sess.DockerName)
		if err != nil {
			return fmt.Errorf("tunadb: insert session: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `SELECT id, arch, num_cu, rocm_v, tuner_v,
		reason, docker_name FROM session WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Arch, &sess.NumCU, &sess.RocmV, &sess.TunerV,
			&sess.Reason, &sess.DockerName)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("tunadb: session %d not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("tunadb: get session: %w", err)
	}
	return sess, nil
}

// SolverCache is a read-through cache of solver names to ids, owned by the
// process that needs it rather than shared as package state. Misses hit the
// database once; EnsureSolver inserts unseen names.
type SolverCache struct {
	store *Store

	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string
}

// NewSolverCache creates an empty cache over the store.
func (s *Store) NewSolverCache() *SolverCache {
	return &SolverCache{
		store:  s,
		byName: make(map[string]int64),
		byID:   make(map[int64]string),
	}
}

// ID resolves a solver name to its id, inserting the solver if unseen.
func (c *SolverCache) ID(ctx context.Context, name string) (int64, error) {
	c.mu.RLock()
	id, ok := c.byName[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	var got int64
	err := dbopen.RunTx(ctx, c.store.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM solver WHERE name = ?`, name).Scan(&got)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("tunadb: solver lookup: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO solver (name) VALUES (?)`, name)
		if err != nil {
			return fmt.Errorf("tunadb: insert solver: %w", err)
		}
		got, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.byName[name] = got
	c.byID[got] = name
	c.mu.Unlock()
	return got, nil
}

// Name resolves a solver id to its name.
func (c *SolverCache) Name(ctx context.Context, id int64) (string, error) {
	c.mu.RLock()
	name, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return name, nil
	}

	err := c.store.db.QueryRowContext(ctx,
		`SELECT name FROM solver WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("tunadb: solver %d not found", id)
	}
	if err != nil {
		return "", fmt.Errorf("tunadb: solver name: %w", err)
	}

	c.mu.Lock()
	c.byName[name] = id
	c.byID[id] = name
	c.mu.Unlock()
	return name, nil
}

// SetApplicability records whether a solver applies to a config within a
// session. Upserts on the (config, solver, session) triple.
func (s *Store) SetApplicability(ctx context.Context, session, config, solver int64, applicable bool) error {
	_, err := dbopen.Exec(ctx, s.db, `INSERT INTO solver_applicability
		(config, solver, session, applicable) VALUES (?, ?, ?, ?)
		ON CONFLICT (config, solver, session) DO UPDATE SET applicable = excluded.applicable`,
		config, solver, session, boolInt(applicable))
	if err != nil {
		return fmt.Errorf("tunadb: set applicability: %w", err)
	}
	return nil
}

// ApplicablePairs lists the (config, solver) pairs marked applicable for a
// session, the seed set for job loading.
func (s *Store) ApplicablePairs(ctx context.Context, session int64) ([][2]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config, solver
		FROM solver_applicability WHERE session = ? AND applicable = 1
		ORDER BY config, solver`, session)
	if err != nil {
		return nil, fmt.Errorf("tunadb: applicable pairs: %w", err)
	}
	defer rows.Close()

	var pairs [][2]int64
	for rows.Next() {
		var p [2]int64
		if err := rows.Scan(&p[0], &p[1]); err != nil {
			return nil, fmt.Errorf("tunadb: applicable pairs: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
