package sqlite

import (
	"context"
	"database/sql" // basic sql
	"fmt"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"

	_ "github.com/mattn/go-sqlite3" // additional driver for sqlite
)

// Implements ports.LaunchJournalPort

// Journal is an append-only record of launch transitions and keystore
// operations. Advisory: callers treat write failures as log-worthy,
// never as transition-blocking.
type Journal struct {
	DB *sql.DB
}

func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite db: %w", err)
	}
	return &Journal{DB: db}, nil
}

func migrate(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS launch_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			detail TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS keystore_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			pubkey TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_launch_events_created ON launch_events(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_keystore_events_pubkey ON keystore_events(pubkey);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) RecordLaunchEvent(ctx context.Context, event domain.LaunchEvent) error {
	_, err := j.DB.ExecContext(ctx,
		`INSERT INTO launch_events (from_state, to_state, detail, created_at) VALUES (?, ?, ?, ?);`,
		string(event.From), string(event.To), event.Detail, event.At.Unix(),
	)
	return err
}

func (j *Journal) RecordKeystoreEvent(ctx context.Context, operation string, publicKey domain.PublicKey) error {
	_, err := j.DB.ExecContext(ctx,
		`INSERT INTO keystore_events (operation, pubkey, created_at) VALUES (?, ?, ?);`,
		operation, string(publicKey), time.Now().Unix(),
	)
	return err
}

// RecentLaunchEvents returns up to limit events, newest first.
func (j *Journal) RecentLaunchEvents(ctx context.Context, limit int) ([]domain.LaunchEvent, error) {
	rows, err := j.DB.QueryContext(ctx,
		`SELECT from_state, to_state, detail, created_at FROM launch_events ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LaunchEvent
	for rows.Next() {
		var from, to, detail string
		var createdAt int64
		if err := rows.Scan(&from, &to, &detail, &createdAt); err != nil {
			return nil, err
		}
		events = append(events, domain.LaunchEvent{
			From:   domain.LaunchState(from),
			To:     domain.LaunchState(to),
			Detail: detail,
			At:     time.Unix(createdAt, 0),
		})
	}
	return events, rows.Err()
}

func (j *Journal) Close() error {
	return j.DB.Close()
}
