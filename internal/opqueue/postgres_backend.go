package opqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/projectsync/internal/pgutil"
)

const (
	defaultPostgresQueueTable = "projectsync_queue"
	defaultPostgresQueueName  = "default"
)

// PostgresBackend stores the whole queue as one JSONB row keyed by queue name.
type PostgresBackend struct {
	tableName string
	queueName string
	lazy      *pgutil.Lazy
}

func NewPostgresBackend(dsn, queueName string) *PostgresBackend {
	return newPostgresBackend(dsn, defaultPostgresQueueTable, queueName, nil)
}

func newPostgresBackend(dsn, tableName, queueName string, open pgutil.OpenFunc) *PostgresBackend {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		queueName = defaultPostgresQueueName
	}
	return &PostgresBackend{
		tableName: tableName,
		queueName: queueName,
		lazy: &pgutil.Lazy{
			DSN:  strings.TrimSpace(dsn),
			Open: open,
			Schema: []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	queue_name TEXT PRIMARY KEY,
	snapshot JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, pgutil.QuoteIdentifier(tableName))},
		},
	}
}

func (b *PostgresBackend) Load() (*State, error) {
	db, err := b.lazy.DB()
	if err != nil {
		return nil, err
	}
	ctx, cancel := pgutil.WithTimeout(context.Background())
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE queue_name = $1", pgutil.QuoteIdentifier(b.tableName))
	var payload string
	err = db.QueryRowContext(ctx, query, b.queueName).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *PostgresBackend) Save(state *State) error {
	db, err := b.lazy.DB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := pgutil.WithTimeout(context.Background())
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_name, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (queue_name)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, pgutil.QuoteIdentifier(b.tableName))
	_, err = db.ExecContext(ctx, query, b.queueName, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	return b.lazy.Close()
}
