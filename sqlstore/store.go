// Package sqlstore contains an odm.StorageDriver over database/sql. Postgres is reached through
// the pgx stdlib driver and SQLite through the pure Go modernc driver.
//
// Every collection is a table (id TEXT PRIMARY KEY, doc, rev BIGINT, ts BIGINT) holding the
// JSON document. Batches run in one transaction and updates compare and set the rev column.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/encoding"
)

func init() {
	odm.RegisterDriverFactory(odm.PostgresStorage, func(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
		return Open(ctx, Postgres, opts.SQL)
	})
	odm.RegisterDriverFactory(odm.SQLiteStorage, func(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
		return Open(ctx, SQLite, opts.SQL)
	})
}

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name       string
	DriverName string
	DocType    string
	// Numbered placeholders ($1) instead of ?.
	Numbered bool
	// IsDuplicate reports a primary key violation.
	IsDuplicate func(err error) bool
}

var Postgres = Dialect{
	Name:       "postgres",
	DriverName: "pgx",
	DocType:    "JSONB",
	Numbered:   true,
	IsDuplicate: func(err error) bool {
		var pe *pgconn.PgError
		return errors.As(err, &pe) && pe.Code == "23505"
	},
}

var SQLite = Dialect{
	Name:       "sqlite",
	DriverName: "sqlite",
	DocType:    "TEXT",
	IsDuplicate: func(err error) bool {
		var se *sqlite.Error
		if errors.As(err, &se) {
			return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
		}
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// errRevChanged signals a lost compare and set on the rev column.
var errRevChanged = errors.New("document revision changed")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store is the SQL storage driver.
type Store struct {
	db      *sql.DB
	dialect Dialect
	tables  sync.Map
}

var _ odm.StorageDriver = (*Store)(nil)
var _ odm.ReferenceFinder = (*Store)(nil)

// Open connects to the database described by config.
func Open(ctx context.Context, dialect Dialect, config *odm.SQLConfig) (*Store, error) {
	if config == nil || config.DSN == "" {
		return nil, odm.Configurationf("%s dsn is required", dialect.Name)
	}
	db, err := sql.Open(dialect.DriverName, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	return New(db, dialect), nil
}

// New returns a store over an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// bind rewrites ? placeholders for dialects using numbered ones.
func (s *Store) bind(stmt string) string {
	if !s.dialect.Numbered {
		return stmt
	}
	var b strings.Builder
	n := 0
	for _, r := range stmt {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// table returns the quoted table of collection, creating it on first use.
func (s *Store) table(ctx context.Context, collection string) (string, error) {
	if !tableName.MatchString(collection) {
		return "", odm.Configurationf("collection %q is not a valid table name", collection)
	}
	t := `"` + collection + `"`
	if _, ok := s.tables.Load(t); ok {
		return t, nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		doc %s NOT NULL,
		rev BIGINT NOT NULL,
		ts BIGINT NOT NULL
	)`, t, s.dialect.DocType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("ensure table %s: %w", collection, err)
	}
	s.tables.Store(t, struct{}{})
	return t, nil
}

// InsertMany inserts docs in one transaction, so a duplicate key leaves none of them stored.
func (s *Store) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) (ids []any, retErr error) {
	t, err := s.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt := s.bind(fmt.Sprintf("INSERT INTO %s (id, doc, rev, ts) VALUES (?, ?, 0, ?)", t))
	now := time.Now().UnixNano()
	ids = make([]any, len(docs))
	for i, doc := range docs {
		doc, id := odm.WithID(doc)
		ids[i] = id
		ba, err := encoding.DefaultMarshaler.Marshal(doc)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt, odm.IDString(id), string(ba), now+int64(i)); err != nil {
			if s.dialect.IsDuplicate(err) {
				return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
			}
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Debug("sql insert", "dialect", s.dialect.Name, "collection", meta.Collection, "count", len(ids))
	return ids, nil
}

// UpdateOne reads the document and its rev, applies update and writes it back only while rev
// is unchanged.
func (s *Store) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	t, err := s.table(ctx, meta.Collection)
	if err != nil {
		return err
	}
	key := odm.IDString(id)
	task := func(ctx context.Context) error {
		var ba []byte
		var rev int64
		err := s.db.QueryRowContext(ctx, s.bind(fmt.Sprintf("SELECT doc, rev FROM %s WHERE id = ?", t)), key).Scan(&ba, &rev)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, out, err := encoding.ApplyUpdate(encoding.DefaultMarshaler, ba, update, check)
		if err != nil {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, err)
		}
		res, err := s.db.ExecContext(ctx, s.bind(fmt.Sprintf("UPDATE %s SET doc = ?, rev = ? WHERE id = ? AND rev = ?", t)), string(out), rev+1, key, rev)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return odm.Retryable(fmt.Errorf("%s %v: %w", meta.Collection, id, errRevChanged))
		}
		return nil
	}
	return odm.Retry(ctx, task, nil)
}

// DeleteMany removes the documents with ids.
func (s *Store) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := s.table(ctx, meta.Collection)
	if err != nil {
		return err
	}
	args := make([]any, len(ids))
	for i := range ids {
		args[i] = odm.IDString(ids[i])
	}
	_, err = s.db.ExecContext(ctx, s.bind(fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", t, placeholders(len(ids)))), args...)
	return err
}

// Find returns the decoded document with id.
func (s *Store) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	t, err := s.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	var ba []byte
	err = s.db.QueryRowContext(ctx, s.bind(fmt.Sprintf("SELECT doc FROM %s WHERE id = ?", t)), odm.IDString(id)).Scan(&ba)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return encoding.DecodeDocument(encoding.DefaultMarshaler, ba)
}

// FindReferencing returns the documents whose key references id in insertion order.
func (s *Store) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	t, err := s.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %s ORDER BY ts, id", t))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var docs []odm.Document
	for rows.Next() {
		var ba []byte
		if err := rows.Scan(&ba); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		doc, err := encoding.DecodeDocument(encoding.DefaultMarshaler, ba)
		if err != nil {
			return nil, err
		}
		if odm.References(doc[key], id) {
			docs = append(docs, doc)
		}
	}
	return docs, rows.Err()
}
