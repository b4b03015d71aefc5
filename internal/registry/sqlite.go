package registry

import (
	"context"
	"copybot/internal/replication"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS replication_groups (
	name       TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	targets    TEXT NOT NULL,
	config     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore keeps groups in a single table, one row per group.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Save replaces the stored groups in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, groups []Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM replication_groups`); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, g := range groups {
		targets, err := json.Marshal(g.Targets)
		if err != nil {
			return err
		}
		cfg, err := json.Marshal(g.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO replication_groups (name, source, targets, config, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			g.Name, g.Source, string(targets), string(cfg), now,
		); err != nil {
			return fmt.Errorf("save group %s: %w", g.Name, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, source, targets, config FROM replication_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var (
			g                Group
			targets, cfgJSON string
		)
		if err := rows.Scan(&g.Name, &g.Source, &targets, &cfgJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(targets), &g.Targets); err != nil {
			return nil, fmt.Errorf("group %s targets: %w", g.Name, err)
		}
		g.Config = replication.DefaultConfig()
		if err := json.Unmarshal([]byte(cfgJSON), &g.Config); err != nil {
			return nil, fmt.Errorf("group %s config: %w", g.Name, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
