// Package cassandra contains a Cassandra backed odm.StorageDriver.
//
// Each collection is a table (id text PRIMARY KEY, doc blob, rev bigint, ts bigint). Inserts
// and updates are lightweight transactions: INSERT ... IF NOT EXISTS and UPDATE ... IF rev = ?,
// so concurrent writers of one document never overwrite each other silently.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/encoding"
)

func init() {
	odm.RegisterDriverFactory(odm.CassandraStorage, func(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
		config, err := ConfigFrom(opts.Cassandra)
		if err != nil {
			return nil, err
		}
		conn, err := OpenConnection(config)
		if err != nil {
			return nil, err
		}
		return NewDriver(conn, encoding.DocumentMarshaler), nil
	})
}

// errRevChanged signals a lost UPDATE ... IF rev race.
var errRevChanged = errors.New("document revision changed")

var tableName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,47}$`)

// Driver is the Cassandra storage driver.
type Driver struct {
	conn      *Connection
	marshaler encoding.Marshaler
	// MaxConcurrency limits the lightweight transactions in flight per batch.
	MaxConcurrency int

	tables sync.Map
}

var _ odm.StorageDriver = (*Driver)(nil)
var _ odm.ReferenceFinder = (*Driver)(nil)

// NewDriver returns a driver storing documents through conn.
func NewDriver(conn *Connection, m encoding.Marshaler) *Driver {
	if m == nil {
		m = encoding.DocumentMarshaler
	}
	return &Driver{
		conn:           conn,
		marshaler:      m,
		MaxConcurrency: 16,
	}
}

// table returns the qualified table of collection, creating it on first use.
func (d *Driver) table(ctx context.Context, collection string) (string, error) {
	if d.conn == nil || d.conn.Session == nil {
		return "", fmt.Errorf("cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if !tableName.MatchString(collection) {
		return "", odm.Configurationf("collection %q is not a valid cassandra table name", collection)
	}
	t := fmt.Sprintf("%s.%s", d.conn.Config.Keyspace, collection)
	if _, ok := d.tables.Load(t); ok {
		return t, nil
	}
	if err := d.conn.Session.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, doc blob, rev bigint, ts bigint);", t)).WithContext(ctx).Exec(); err != nil {
		return "", err
	}
	d.tables.Store(t, struct{}{})
	return t, nil
}

func (d *Driver) query(ctx context.Context, cl gocql.Consistency, stmt string, values ...any) *gocql.Query {
	q := d.conn.Session.Query(stmt, values...).WithContext(ctx)
	if cl > gocql.Any {
		q.Consistency(cl)
	}
	return q
}

// InsertMany inserts each document with IF NOT EXISTS. Documents are written concurrently;
// a duplicate fails the call but does not undo the other inserts of the batch.
func (d *Driver) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) ([]any, error) {
	t, err := d.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, doc, rev, ts) VALUES (?, ?, 0, ?) IF NOT EXISTS;", t)
	ids := make([]any, len(docs))
	tr := odm.NewTaskRunner(ctx, d.MaxConcurrency)
	now := time.Now().UnixNano()
	for i, doc := range docs {
		doc, id := odm.WithID(doc)
		ids[i] = id
		ba, err := d.marshaler.Marshal(doc)
		if err != nil {
			return nil, err
		}
		ts := now + int64(i)
		tr.Go(func() error {
			applied, err := d.query(tr.GetContext(), d.conn.ConsistencyBook.Insert, stmt, odm.IDString(id), ba, ts).
				SerialConsistency(gocql.Serial).MapScanCAS(make(map[string]any))
			if err != nil {
				return err
			}
			if !applied {
				return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
			}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	log.Debug("cassandra insert", "collection", meta.Collection, "count", len(ids))
	return ids, nil
}

// UpdateOne reads the document and its revision, applies update and writes it back only if
// the revision did not move. A moved revision re-runs the round trip, so a concurrent write of
// the version field surfaces as odm.ErrVersionConflict.
func (d *Driver) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	t, err := d.table(ctx, meta.Collection)
	if err != nil {
		return err
	}
	key := odm.IDString(id)
	task := func(ctx context.Context) error {
		var ba []byte
		var rev int64
		err := d.query(ctx, d.conn.ConsistencyBook.Get, fmt.Sprintf("SELECT doc, rev FROM %s WHERE id = ?;", t), key).Scan(&ba, &rev)
		if errors.Is(err, gocql.ErrNotFound) {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, out, err := encoding.ApplyUpdate(d.marshaler, ba, update, check)
		if err != nil {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, err)
		}
		applied, err := d.query(ctx, d.conn.ConsistencyBook.Update, fmt.Sprintf("UPDATE %s SET doc = ?, rev = ? WHERE id = ? IF rev = ?;", t), out, rev+1, key, rev).
			SerialConsistency(gocql.Serial).MapScanCAS(make(map[string]any))
		if err != nil {
			return err
		}
		if !applied {
			return odm.Retryable(fmt.Errorf("%s %v: %w", meta.Collection, id, errRevChanged))
		}
		return nil
	}
	return odm.Retry(ctx, task, nil)
}

// DeleteMany removes the documents with ids.
func (d *Driver) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	if len(ids) == 0 {
		return nil
	}
	t, err := d.table(ctx, meta.Collection)
	if err != nil {
		return err
	}
	keys := make([]string, len(ids))
	for i := range ids {
		keys[i] = odm.IDString(ids[i])
	}
	return d.query(ctx, d.conn.ConsistencyBook.Remove, fmt.Sprintf("DELETE FROM %s WHERE id IN ?;", t), keys).Exec()
}

// Find returns the decoded document with id.
func (d *Driver) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	t, err := d.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	var ba []byte
	err = d.query(ctx, d.conn.ConsistencyBook.Get, fmt.Sprintf("SELECT doc FROM %s WHERE id = ?;", t), odm.IDString(id)).Scan(&ba)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return encoding.DecodeDocument(d.marshaler, ba)
}

type storedDocument struct {
	doc odm.Document
	ts  int64
}

// FindReferencing scans the table and returns the documents whose key references id in
// insertion order.
func (d *Driver) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	t, err := d.table(ctx, meta.Collection)
	if err != nil {
		return nil, err
	}
	iter := d.query(ctx, d.conn.ConsistencyBook.Get, fmt.Sprintf("SELECT doc, ts FROM %s;", t)).Iter()
	var found []storedDocument
	var ba []byte
	var ts int64
	for iter.Scan(&ba, &ts) {
		doc, err := encoding.DecodeDocument(d.marshaler, ba)
		if err != nil {
			iter.Close()
			return nil, err
		}
		if odm.References(doc[key], id) {
			found = append(found, storedDocument{doc: doc, ts: ts})
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return inInsertionOrder(found), nil
}

func inInsertionOrder(found []storedDocument) []odm.Document {
	sort.SliceStable(found, func(i, j int) bool { return found[i].ts < found[j].ts })
	docs := make([]odm.Document, len(found))
	for i := range found {
		docs[i] = found[i].doc
	}
	return docs
}
