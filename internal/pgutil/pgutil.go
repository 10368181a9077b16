package pgutil

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const OperationTimeout = 5 * time.Second

type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Lazy opens a Postgres pool on first use and runs the schema statements
// once. A failed initialisation is remembered and returned on every call.
type Lazy struct {
	DSN    string
	Schema []string
	Open   OpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (l *Lazy) DB() (*sql.DB, error) {
	if l == nil || strings.TrimSpace(l.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	l.initOnce.Do(func() {
		open := l.Open
		if open == nil {
			open = sql.Open
		}
		db, err := open("postgres", l.DSN)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
		defer cancel()
		for _, stmt := range l.Schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				l.initErr = err
				return
			}
		}
		l.db = db
	})
	return l.db, l.initErr
}

func (l *Lazy) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// AdvisoryLockKey derives a stable pg_advisory_xact_lock key from its parts.
func AdvisoryLockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(strings.TrimSpace(part)))
	}
	return int64(hasher.Sum64())
}

// WithTimeout bounds ctx by OperationTimeout.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, OperationTimeout)
}
