package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/projectsync/internal/pgutil"
)

const defaultPostgresDocumentTable = "projectsync_documents"

// PostgresRemote keeps one row per document path. Preconditions are enforced
// with conditional writes; batches run in one transaction under an advisory
// lock on the table.
type PostgresRemote struct {
	tableName string
	lazy      *pgutil.Lazy
}

func NewPostgresRemote(dsn string) *PostgresRemote {
	return NewPostgresRemoteWithTable(dsn, defaultPostgresDocumentTable)
}

func NewPostgresRemoteWithTable(dsn, tableName string) *PostgresRemote {
	tableName = strings.TrimSpace(tableName)
	if tableName == "" {
		tableName = defaultPostgresDocumentTable
	}
	return newPostgresRemote(dsn, tableName, nil)
}

func newPostgresRemote(dsn, tableName string, open pgutil.OpenFunc) *PostgresRemote {
	quoted := pgutil.QuoteIdentifier(tableName)
	return &PostgresRemote{
		tableName: tableName,
		lazy: &pgutil.Lazy{
			DSN:  strings.TrimSpace(dsn),
			Open: open,
			Schema: []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path TEXT PRIMARY KEY,
	revision BIGINT NOT NULL,
	body BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, quoted)},
		},
	}
}

func (p *PostgresRemote) Close() error {
	if p == nil {
		return nil
	}
	return p.lazy.Close()
}

func (p *PostgresRemote) Get(ctx context.Context, path string) (Document, error) {
	db, err := p.lazy.DB()
	if err != nil {
		return Document{}, err
	}
	ctx, cancel := pgutil.WithTimeout(ctx)
	defer cancel()

	var doc Document
	query := fmt.Sprintf(`SELECT revision, body FROM %s WHERE path = $1`, pgutil.QuoteIdentifier(p.tableName))
	err = db.QueryRowContext(ctx, query, path).Scan(&doc.Revision, &doc.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (p *PostgresRemote) Set(ctx context.Context, path string, doc Document, pre Precondition) error {
	db, err := p.lazy.DB()
	if err != nil {
		return err
	}
	ctx, cancel := pgutil.WithTimeout(ctx)
	defer cancel()
	return p.apply(ctx, db, Mutation{Path: path, Document: doc, Precondition: pre})
}

func (p *PostgresRemote) Batch(ctx context.Context, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	db, err := p.lazy.DB()
	if err != nil {
		return err
	}
	ctx, cancel := pgutil.WithTimeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, pgutil.AdvisoryLockKey(p.tableName)); err != nil {
		return err
	}
	for _, mut := range mutations {
		if err := p.apply(ctx, tx, mut); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresRemote) apply(ctx context.Context, db execer, mut Mutation) error {
	table := pgutil.QuoteIdentifier(p.tableName)
	var (
		res sql.Result
		err error
	)
	if mut.Precondition.ExpectedRevision == 0 {
		res, err = db.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (path, revision, body, updated_at) VALUES ($1, $2, $3, NOW()) ON CONFLICT (path) DO NOTHING`, table),
			mut.Path, mut.Document.Revision, mut.Document.Body)
	} else {
		res, err = db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET revision = $2, body = $3, updated_at = NOW() WHERE path = $1 AND revision = $4`, table),
			mut.Path, mut.Document.Revision, mut.Document.Body, mut.Precondition.ExpectedRevision)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPreconditionFailed
	}
	return nil
}
