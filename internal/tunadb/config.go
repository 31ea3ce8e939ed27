package tunadb

import (
	"context"
	"database/sql"
	"fmt"

	"gridtune/internal/dbopen"
)

// AddConfig inserts a kernel-problem description and returns its id.
func (s *Store) AddConfig(ctx context.Context, c Config) (int64, error) {
	attrs := c.Attrs
	if attrs == "" {
		attrs = "{}"
	}
	res, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO config (driver, direction, attrs) VALUES (?, ?, ?)`,
		c.Driver, c.Direction, attrs)
	if err != nil {
		return 0, fmt.Errorf("tunadb: add config: %w", err)
	}
	return res.LastInsertId()
}

// GetConfig fetches a config by id.
func (s *Store) GetConfig(ctx context.Context, id int64) (Config, error) {
	var c Config
	err := s.db.QueryRowContext(ctx,
		`SELECT id, driver, direction, attrs FROM config WHERE id = ?`, id).
		Scan(&c.ID, &c.Driver, &c.Direction, &c.Attrs)
	if err == sql.ErrNoRows {
		return Config{}, fmt.Errorf("tunadb: config %d not found", id)
	}
	if err != nil {
		return Config{}, fmt.Errorf("tunadb: get config: %w", err)
	}
	return c, nil
}

// ListConfigs returns all configs, lowest id first.
func (s *Store) ListConfigs(ctx context.Context) ([]Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, driver, direction, attrs FROM config ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("tunadb: list configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		var c Config
		if err := rows.Scan(&c.ID, &c.Driver, &c.Direction, &c.Attrs); err != nil {
			return nil, fmt.Errorf("tunadb: list configs: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
