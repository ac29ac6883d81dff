// Package inmemory contains an in-process odm.StorageDriver. It keeps documents in maps,
// enforces unique indexes and CEL validation rules, and records every write it receives,
// which makes it the driver of choice for tests.
package inmemory

import (
	"context"
	"fmt"
	log "log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/tiendc/go-deepcopy"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/cel"
)

func init() {
	odm.RegisterDriverFactory(odm.InMemoryStorage, func(context.Context, odm.Options) (odm.StorageDriver, error) {
		return NewDriver(), nil
	})
}

type record struct {
	doc odm.Document
	seq uint64
}

// Op is one write received by the driver.
type Op struct {
	Operation  odm.Operation
	Collection string
	IDs        []any
	Update     odm.Update
}

// Driver is the in-memory storage driver. It is safe for concurrent use.
type Driver struct {
	mu          sync.RWMutex
	collections map[string]map[any]*record
	uniques     map[string][][]string
	validators  map[string][]*cel.Evaluator
	ops         []Op
	seq         uint64
}

var _ odm.StorageDriver = (*Driver)(nil)
var _ odm.ReferenceFinder = (*Driver)(nil)

// NewDriver returns an empty driver.
func NewDriver() *Driver {
	return &Driver{
		collections: make(map[string]map[any]*record),
		uniques:     make(map[string][][]string),
		validators:  make(map[string][]*cel.Evaluator),
	}
}

// AddUniqueIndex makes the combination of keys unique within collection.
func (d *Driver) AddUniqueIndex(collection string, keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uniques[collection] = append(d.uniques[collection], keys)
}

// AddValidator adds a rule every document written to collection must satisfy.
func (d *Driver) AddValidator(collection, name, expression string) error {
	e, err := cel.NewEvaluator(name, expression)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.validators[collection] = append(d.validators[collection], e)
	return nil
}

// InsertMany stores docs. The batch is applied entirely or not at all.
func (d *Driver) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll := d.collection(meta.Collection)
	ids := make([]any, 0, len(docs))
	pending := make(map[any]*record, len(docs))
	for _, doc := range docs {
		c, err := cloneDocument(doc)
		if err != nil {
			return nil, err
		}
		id := c[odm.IDKey]
		if id == nil {
			id = odm.NewDocumentID()
			c[odm.IDKey] = id
		}
		key := odm.NormalizeID(id)
		if _, ok := coll[key]; ok {
			return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
		}
		if _, ok := pending[key]; ok {
			return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
		}
		if err := d.check(meta.Collection, key, c, pending); err != nil {
			return nil, err
		}
		d.seq++
		pending[key] = &record{doc: c, seq: d.seq}
		ids = append(ids, id)
	}
	for k, r := range pending {
		coll[k] = r
	}
	d.ops = append(d.ops, Op{Operation: odm.OpInsert, Collection: meta.Collection, IDs: ids})
	log.Debug("inmemory insert", "collection", meta.Collection, "count", len(ids))
	return ids, nil
}

// UpdateOne applies update when check matches the stored version.
func (d *Driver) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll := d.collection(meta.Collection)
	key := odm.NormalizeID(id)
	r, ok := coll[key]
	if !ok {
		return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
	}
	if !check.Matches(r.doc) {
		return fmt.Errorf("%s %v expected %s %v, found %v: %w", meta.Collection, id, check.Field, check.Expected, r.doc[check.Field], odm.ErrVersionConflict)
	}
	doc, err := cloneDocument(update.Apply(r.doc))
	if err != nil {
		return err
	}
	if err := d.check(meta.Collection, key, doc, nil); err != nil {
		return err
	}
	r.doc = doc
	d.ops = append(d.ops, Op{Operation: odm.OpUpdate, Collection: meta.Collection, IDs: []any{id}, Update: update})
	return nil
}

// DeleteMany removes the documents with ids.
func (d *Driver) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll := d.collection(meta.Collection)
	for _, id := range ids {
		delete(coll, odm.NormalizeID(id))
	}
	d.ops = append(d.ops, Op{Operation: odm.OpDelete, Collection: meta.Collection, IDs: ids})
	return nil
}

// Find returns a copy of the stored document.
func (d *Driver) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.collections[meta.Collection][odm.NormalizeID(id)]
	if !ok {
		return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrNotFound)
	}
	return cloneDocument(r.doc)
}

// FindReferencing returns the documents whose key holds id or an array containing id, in
// insertion order.
func (d *Driver) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var found []*record
	for _, r := range d.collections[meta.Collection] {
		if odm.References(r.doc[key], id) {
			found = append(found, r)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	docs := make([]odm.Document, 0, len(found))
	for _, r := range found {
		c, err := cloneDocument(r.doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, c)
	}
	return docs, nil
}

// Ops returns the writes received so far.
func (d *Driver) Ops() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Op(nil), d.ops...)
}

// Count returns the number of writes of kind op received for collection.
func (d *Driver) Count(op odm.Operation, collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, o := range d.ops {
		if o.Operation == op && o.Collection == collection {
			n++
		}
	}
	return n
}

// ResetOps forgets the recorded writes.
func (d *Driver) ResetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

// Len returns the number of documents stored in collection.
func (d *Driver) Len(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.collections[collection])
}

func (d *Driver) collection(name string) map[any]*record {
	c, ok := d.collections[name]
	if !ok {
		c = make(map[any]*record)
		d.collections[name] = c
	}
	return c
}

// check enforces unique indexes and validators on doc stored under key.
func (d *Driver) check(collection string, key any, doc odm.Document, pending map[any]*record) error {
	for _, e := range d.validators[collection] {
		ok, err := e.Evaluate(doc)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s %v violates rule %s (%s)", collection, key, e.Name, e.Expression)
		}
	}
	for _, keys := range d.uniques[collection] {
		for _, set := range []map[any]*record{d.collections[collection], pending} {
			for k, r := range set {
				if k == key {
					continue
				}
				if sameValues(r.doc, doc, keys) {
					return fmt.Errorf("%s %v: unique index %v: %w", collection, key, keys, odm.ErrDuplicateKey)
				}
			}
		}
	}
	return nil
}

func sameValues(a, b odm.Document, keys []string) bool {
	for _, k := range keys {
		av, ok := a[k]
		if !ok || av == nil {
			return false
		}
		if !odm.EqualValues(av, b[k]) {
			return false
		}
	}
	return true
}

// cloneDocument deep copies doc so that callers never share state with the store.
func cloneDocument(doc odm.Document) (odm.Document, error) {
	if doc == nil {
		return nil, nil
	}
	r := make(odm.Document, len(doc))
	for k, v := range doc {
		c, err := cloneValue(v)
		if err != nil {
			return nil, err
		}
		r[k] = c
	}
	return r, nil
}

func cloneValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return cloneDocument(t)
	case []any:
		r := make([]any, len(t))
		for i := range t {
			c, err := cloneValue(t[i])
			if err != nil {
				return nil, err
			}
			r[i] = c
		}
		return r, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Map {
		return v, nil
	}
	dst := reflect.New(rv.Type())
	src := reflect.New(rv.Type())
	src.Elem().Set(rv)
	if err := deepcopy.Copy(dst.Interface(), src.Interface()); err != nil {
		return nil, err
	}
	return dst.Elem().Interface(), nil
}
