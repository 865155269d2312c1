package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/gridsync/internal/ledger"
)

const (
	defaultTableName = "gridsync_records"
	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	driver      string
	createTable string
	now         string
	placeholder func(n int) string
}

var postgresDialect = dialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			list_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	now:         "NOW()",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			list_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	now:         "CURRENT_TIMESTAMP",
	placeholder: func(int) string { return "?" },
}

// SQLRepository stores one row per record; the record body is kept as
// JSON next to its id and list.
type SQLRepository struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string) (*SQLRepository, error) {
	return newSQLRepository(dsn, postgresDialect)
}

// NewSQLiteRepository opens (or creates) the database file at path.
func NewSQLiteRepository(path string) (*SQLRepository, error) {
	return newSQLRepository(path, sqliteDialect)
}

func newSQLRepository(dsn string, d dialect) (*SQLRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLRepository{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   d,
		openDB:    sql.Open,
	}, nil
}

func (r *SQLRepository) ensureReady(ctx context.Context) error {
	r.initOnce.Do(func() {
		db, err := r.openDB(r.dialect.driver, r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		if r.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(r.dialect.createTable, quoteIdentifier(r.tableName))); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func (r *SQLRepository) table() string {
	return quoteIdentifier(r.tableName)
}

func (r *SQLRepository) List(ctx context.Context) (map[string][]ledger.Record, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT id, list_name, payload FROM %s ORDER BY list_name, id", r.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []ledger.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupByList(all), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.Record, error) {
	var (
		id      int64
		list    string
		payload string
	)
	if err := row.Scan(&id, &list, &payload); err != nil {
		return ledger.Record{}, err
	}
	var record ledger.Record
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return ledger.Record{}, fmt.Errorf("decode record %d: %w", id, err)
	}
	return stored(record, id, list), nil
}

func encodePayload(record ledger.Record) (string, error) {
	record.ID = 0
	record.TempID = 0
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *SQLRepository) Create(ctx context.Context, drafts []ledger.Record) ([]ledger.Record, error) {
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	p := r.dialect.placeholder
	query := fmt.Sprintf("INSERT INTO %s (list_name, payload) VALUES (%s, %s) RETURNING id", r.table(), p(1), p(2))

	out := make([]ledger.Record, len(drafts))
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for i, draft := range drafts {
			list := strings.TrimSpace(draft.ListName)
			payload, err := encodePayload(draft)
			if err != nil {
				return err
			}
			var id int64
			if err := tx.QueryRowContext(ctx, query, list, payload).Scan(&id); err != nil {
				return err
			}
			out[i] = stored(draft, id, list)
			out[i].TempID = draft.TempID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) Update(ctx context.Context, patches []ledger.Record) ([]ledger.Record, error) {
	if err := validatePatches(patches); err != nil {
		return nil, err
	}
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	p := r.dialect.placeholder
	selectQuery := fmt.Sprintf("SELECT list_name FROM %s WHERE id = %s", r.table(), p(1))
	updateQuery := fmt.Sprintf("UPDATE %s SET list_name = %s, payload = %s, updated_at = %s WHERE id = %s",
		r.table(), p(1), p(2), r.dialect.now, p(3))

	out := make([]ledger.Record, len(patches))
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var missing []int64
		lists := make([]string, len(patches))
		for i, patch := range patches {
			err := tx.QueryRowContext(ctx, selectQuery, patch.ID).Scan(&lists[i])
			if errors.Is(err, sql.ErrNoRows) {
				missing = append(missing, patch.ID)
				continue
			}
			if err != nil {
				return err
			}
		}
		if len(missing) > 0 {
			return &NotFoundError{IDs: missing}
		}
		for i, patch := range patches {
			list := strings.TrimSpace(patch.ListName)
			if list == "" {
				list = lists[i]
			}
			payload, err := encodePayload(patch)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, updateQuery, list, payload, patch.ID); err != nil {
				return err
			}
			out[i] = stored(patch, patch.ID, list)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLRepository) Delete(ctx context.Context, ids []int64) ([]ledger.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	p := r.dialect.placeholder
	selectQuery := fmt.Sprintf("SELECT id, list_name, payload FROM %s WHERE id = %s", r.table(), p(1))
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = %s", r.table(), p(1))

	var removed []ledger.Record
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			record, err := scanRecord(tx.QueryRowContext(ctx, selectQuery, id))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
				return err
			}
			removed = append(removed, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
