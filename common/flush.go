package common

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sharedcode/odm"
)

// Flush writes every scheduled change. Writes run class by class in commit order: inserts, then
// updates with their collections, then deletes in reverse order. Objects registered by hooks
// while writes run are handled by further passes of the same flush.
//
// On failure objects already written keep their synchronized snapshots and the rest stay
// scheduled, so Flush can be called again.
func (u *UnitOfWork) Flush(ctx context.Context) (err error) {
	if !u.flush.isIdle() {
		return odm.Error{Code: odm.InvalidState, Err: odm.ErrFlushInProgress}
	}
	start := time.Now()
	passes := 0
	defer func() {
		if r := recover(); r != nil {
			u.flush.abort(ctx)
			u.reentry.clear()
			log.Error("flush panicked", "passes", passes, "panic", r)
			panic(r)
		}
		if err != nil {
			u.flush.abort(ctx)
			log.Warn("flush failed", "passes", passes, "error", err)
		}
		u.recorder.ObserveFlush(time.Since(start), passes, err)
		u.reentry.clear()
	}()

	if err = u.flush.fire(ctx, eventCompute); err != nil {
		return err
	}
	if err = u.dispatch(ctx, odm.PreFlush, nil, nil); err != nil {
		return err
	}
	if err = u.computeChangeSets(); err != nil {
		return err
	}
	for {
		passes++
		if err = u.runPass(ctx); err != nil {
			return err
		}
		pending := u.reentry.items()
		u.reentry.clear()
		if len(pending) == 0 && !u.hasScheduledWork() {
			break
		}
		if passes > u.options.MaxReentryPasses {
			return odm.Error{
				Code:     odm.ReentryLimit,
				Err:      fmt.Errorf("still %d objects pending after %d passes: %w", len(pending), passes, odm.ErrReentryLimit),
				UserData: pending,
			}
		}
		log.Info("flush re-entry", "pass", passes+1, "objects", len(pending))
		if err = u.flush.fire(ctx, eventReenter); err != nil {
			return err
		}
		// Objects written in this flush were synchronized, so only changes made after their
		// write are found again.
		for _, obj := range pending {
			e, ok := u.entries[obj]
			if !ok {
				continue
			}
			if _, err = u.computeEntry(e); err != nil {
				return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpUpdate, Err: err}
			}
		}
	}
	if err = u.flush.fire(ctx, eventFinish); err != nil {
		return err
	}
	log.Debug("flush done", "passes", passes)
	return u.dispatch(ctx, odm.PostFlush, nil, nil)
}

func (u *UnitOfWork) hasScheduledWork() bool {
	return u.insertions.len() > 0 || u.updates.len() > 0 || u.deletions.len() > 0
}

// runPass takes the flush from computing through synchronizing once.
func (u *UnitOfWork) runPass(ctx context.Context) error {
	if err := u.flush.fire(ctx, eventCascade); err != nil {
		return err
	}
	if err := u.cascadeScheduled(ctx); err != nil {
		return err
	}
	if err := u.flush.fire(ctx, eventOrder); err != nil {
		return err
	}
	insertions := u.insertions.items()
	updates := u.updates.items()
	deletions := u.deletions.items()
	order, err := u.commitOrder(insertions, updates, deletions)
	if err != nil {
		return err
	}
	if err := u.flush.fire(ctx, eventExecute); err != nil {
		return err
	}
	insertsByClass := u.groupByClass(insertions)
	updatesByClass := u.groupByClass(updates)
	deletesByClass := u.groupByClass(deletions)
	for _, class := range order {
		if err := u.executeInserts(ctx, insertsByClass[class]); err != nil {
			return err
		}
	}
	for _, class := range order {
		for _, obj := range updatesByClass[class] {
			if err := u.executeUpdate(ctx, obj); err != nil {
				return err
			}
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := u.executeDeletes(ctx, deletesByClass[order[i]]); err != nil {
			return err
		}
	}
	return u.flush.fire(ctx, eventSynchronize)
}

func (u *UnitOfWork) groupByClass(objects []any) map[string][]any {
	r := make(map[string][]any)
	for _, obj := range objects {
		if e, ok := u.entries[obj]; ok {
			r[e.meta.Name] = append(r[e.meta.Name], obj)
		}
	}
	return r
}

// commitOrder sorts the classes of the scheduled objects so that a class is written after the
// classes it references. Only references cascading persist or not nullable constrain the order.
func (u *UnitOfWork) commitOrder(groups ...[]any) ([]string, error) {
	calc := newCommitOrderCalculator()
	metas := make(map[string]*odm.ClassMetadata)
	for _, objects := range groups {
		for _, obj := range objects {
			e := u.entries[obj]
			calc.addClass(e.meta.Name)
			metas[e.meta.Name] = e.meta
		}
	}
	for _, class := range calc.classes {
		if err := u.addDependencies(calc, metas, class, metas[class], make(map[string]bool)); err != nil {
			return nil, err
		}
	}
	return calc.order(), nil
}

// addDependencies adds the edges of dependent for the references of meta, looking through
// embedded documents.
func (u *UnitOfWork) addDependencies(calc *commitOrderCalculator, metas map[string]*odm.ClassMetadata, dependent string,
	meta *odm.ClassMetadata, seen map[string]bool) error {
	if seen[meta.Name] {
		return nil
	}
	seen[meta.Name] = true
	for i := range meta.Fields {
		f := &meta.Fields[i]
		switch {
		case f.Kind.IsEmbedded():
			target, err := u.provider.GetMetadata(f.TargetClass)
			if err != nil {
				return err
			}
			if err := u.addDependencies(calc, metas, dependent, target, seen); err != nil {
				return err
			}
		case f.IsOwningReference() && (f.Cascade.Has(odm.CascadePersist) || !f.Nullable):
			for _, class := range calc.classes {
				if class == f.TargetClass || metas[class].Root() == f.TargetClass {
					calc.addDependency(dependent, class)
				}
			}
		}
	}
	return nil
}

// executeInserts inserts objects of one class in batches.
func (u *UnitOfWork) executeInserts(ctx context.Context, objects []any) error {
	size := u.options.BatchSize
	for start := 0; start < len(objects); start += size {
		end := min(start+size, len(objects))
		if err := u.insertBatch(ctx, objects[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) insertBatch(ctx context.Context, batch []any) error {
	var todo []any
	for _, obj := range batch {
		if u.insertions.has(obj) {
			todo = append(todo, obj)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	meta := u.entries[todo[0]].meta
	docs := make([]odm.Document, 0, len(todo))
	broken := make([]map[string]bool, 0, len(todo))
	for _, obj := range todo {
		if err := u.initialVersion(meta, obj); err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
		if err := initCollections(meta, obj); err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
		b, err := u.brokenReferences(meta, obj)
		if err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
		broken = append(broken, b)
		doc, err := u.hydrator.ToDocument(meta, obj)
		if err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
		docs = append(docs, doc)
	}
	ids, err := u.driver.InsertMany(ctx, meta, docs)
	if err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
	}
	if len(ids) != len(todo) {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert,
			Err: fmt.Errorf("driver returned %d identifiers for %d documents", len(ids), len(todo))}
	}
	u.recorder.CountWrites(meta.Name, odm.OpInsert, len(todo))
	for i, obj := range todo {
		e := u.entries[obj]
		if e.id == nil {
			if err := meta.SetID(obj, ids[i]); err != nil {
				return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
			}
			e.id = odm.NormalizeID(ids[i])
			if err := u.identities.register(meta.Root(), e.id, obj); err != nil {
				return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
			}
		}
		u.insertions.remove(obj)
		if err := u.syncInserted(e, broken[i]); err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
	}
	for _, obj := range todo {
		if err := u.dispatch(ctx, odm.PostPersist, meta, obj); err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpInsert, Err: err}
		}
	}
	return nil
}

// initCollections gives every owning to-many field of a new document an empty collection.
func initCollections(meta *odm.ClassMetadata, obj any) error {
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if !f.Kind.IsCollection() || f.IsInverse() || f.Get(obj) != nil {
			continue
		}
		c := f.NewCollection()
		if err := c.ReplaceElements(nil); err != nil {
			return err
		}
		if err := f.Set(obj, c); err != nil {
			return err
		}
	}
	return nil
}

// brokenReferences returns the fields of obj referencing, directly or inside embedded
// documents, objects that have no identifier yet. Those references are written once the
// targets are inserted.
func (u *UnitOfWork) brokenReferences(meta *odm.ClassMetadata, obj any) (map[string]bool, error) {
	var broken map[string]bool
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if f.IsInverse() {
			continue
		}
		ok, err := u.hasUnassignedReference(f, f.Get(obj))
		if err != nil {
			return nil, err
		}
		if ok {
			if broken == nil {
				broken = make(map[string]bool)
			}
			broken[f.Name] = true
		}
	}
	return broken, nil
}

func (u *UnitOfWork) hasUnassignedReference(f *odm.FieldMapping, v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	switch f.Kind {
	case odm.ReferenceOne:
		target := v.(odm.ReferenceHandle).Object()
		if target == nil {
			return false, nil
		}
		id, err := u.objectIdentity(f.TargetClass, target)
		return id.ID == nil, err
	case odm.ReferenceMany:
		c := v.(odm.PersistentCollection)
		for _, el := range c.Elements() {
			id, err := u.objectIdentity(f.TargetClass, el)
			if err != nil || id.ID == nil {
				return true, err
			}
		}
	case odm.EmbedOne:
		target, err := u.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return false, err
		}
		b, err := u.brokenReferences(target, v)
		return len(b) > 0, err
	case odm.EmbedMany:
		target, err := u.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return false, err
		}
		for _, el := range v.(odm.PersistentCollection).Elements() {
			b, err := u.brokenReferences(target, el)
			if err != nil || len(b) > 0 {
				return true, err
			}
		}
	}
	return false, nil
}

// syncInserted takes the snapshots of a document just inserted. Broken references are recorded
// as unwritten so that the re-entry pass writes them.
func (u *UnitOfWork) syncInserted(e *entry, broken map[string]bool) error {
	meta, obj := e.meta, e.obj
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if !f.Kind.IsCollection() || f.IsInverse() {
			continue
		}
		c, ok := f.Get(obj).(odm.PersistentCollection)
		if !ok {
			continue
		}
		c.SetOwner(obj, f)
		c.SetLoader(u.loadCollection)
		c.TakeSnapshot()
		if broken[f.Name] {
			if f.Kind == odm.ReferenceMany {
				c.SetSnapshot(u.withIdentifiers(f, c.Elements()))
			} else {
				c.SetSnapshot(nil)
			}
		}
		if err := u.snapshotElements(obj, f, c); err != nil {
			return err
		}
	}
	snap, err := u.takeSnapshot(meta, obj, false)
	if err != nil {
		return err
	}
	for name := range broken {
		if f, _ := meta.Field(name); !f.Kind.IsCollection() {
			snap[name] = nil
		}
	}
	u.snapshots.set(obj, snap)
	delete(u.changeSets, obj)
	if len(broken) > 0 {
		log.Debug("references written later", "class", meta.Name, "id", e.id, "fields", len(broken))
		u.reentry.add(obj)
	}
	return nil
}

// withIdentifiers filters out referenced elements without identifier.
func (u *UnitOfWork) withIdentifiers(f *odm.FieldMapping, elements []any) []any {
	r := make([]any, 0, len(elements))
	for _, el := range elements {
		if id, err := u.objectIdentity(f.TargetClass, el); err == nil && id.ID != nil {
			r = append(r, el)
		}
	}
	return r
}

// executeUpdate writes the changed fields of obj, then its scheduled collections.
func (u *UnitOfWork) executeUpdate(ctx context.Context, obj any) error {
	if !u.updates.has(obj) {
		return nil
	}
	e := u.entries[obj]
	meta := e.meta
	if err := u.dispatch(ctx, odm.PreUpdate, meta, obj); err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
	}
	// Hooks may have changed the object.
	if _, err := u.computeEntry(e); err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
	}
	if !u.updates.has(obj) {
		return nil
	}
	snap, _ := u.snapshots.get(obj)
	cs := u.changeSets[obj]
	upd := odm.Update{Set: odm.Document{}}
	var written []*odm.FieldMapping
	deferred := false
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if _, ok := cs[f.Name]; !ok {
			continue
		}
		if f.Kind == odm.ReferenceOne {
			broken, err := u.hasUnassignedReference(f, f.Get(obj))
			if err != nil {
				return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
			}
			if broken {
				deferred = true
				continue
			}
		}
		v, err := u.hydrator.FieldValue(meta, f, obj)
		if err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
		}
		if v == nil {
			upd.Unset = append(upd.Unset, f.Key())
		} else {
			upd.Set[f.Key()] = v
		}
		written = append(written, f)
	}
	if len(written) > 0 {
		if err := u.write(ctx, e, snap, upd, odm.OpUpdate); err != nil {
			return err
		}
		for _, f := range written {
			v, err := u.snapshotValue(f, obj, false)
			if err != nil {
				return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
			}
			snap[f.Name] = v
		}
	}
	if err := u.executeCollectionWrites(ctx, e, snap); err != nil {
		return err
	}
	u.updates.remove(obj)
	delete(u.changeSets, obj)
	if deferred {
		u.reentry.add(obj)
	}
	if err := u.dispatch(ctx, odm.PostUpdate, meta, obj); err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpUpdate, Err: err}
	}
	return nil
}

// executeCollectionWrites writes the scheduled collections of an owner right after the owner.
// Deleted collections are unset; updated ones are rewritten as a whole.
func (u *UnitOfWork) executeCollectionWrites(ctx context.Context, e *entry, snap odm.Snapshot) error {
	for _, c := range u.collectionDeletions.of(e.obj) {
		f := c.Mapping()
		if err := u.write(ctx, e, snap, odm.Update{Unset: []string{f.Key()}}, odm.OpCollectionDelete); err != nil {
			return err
		}
		u.collectionDeletions.remove(c)
		if err := u.syncCollection(e, snap, f, c, false); err != nil {
			return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCollectionDelete, Err: err}
		}
	}
	for _, c := range u.collectionUpdates.of(e.obj) {
		f := c.Mapping()
		broken, err := u.hasUnassignedReference(f, c)
		if err != nil {
			return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCollectionUpdate, Err: err}
		}
		v, err := u.hydrator.FieldValue(e.meta, f, e.obj)
		if err != nil {
			return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCollectionUpdate, Err: err}
		}
		if err := u.write(ctx, e, snap, odm.Update{Set: odm.Document{f.Key(): v}}, odm.OpCollectionUpdate); err != nil {
			return err
		}
		u.collectionUpdates.remove(c)
		if err := u.syncCollection(e, snap, f, c, broken); err != nil {
			return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCollectionUpdate, Err: err}
		}
		if broken {
			u.reentry.add(e.obj)
		}
	}
	return nil
}

// syncCollection records a written collection as the new baseline of its owner field.
func (u *UnitOfWork) syncCollection(e *entry, snap odm.Snapshot, f *odm.FieldMapping, c odm.PersistentCollection, broken bool) error {
	current, _ := f.Get(e.obj).(odm.PersistentCollection)
	if current != c {
		// The field was emptied by replacing or dropping the collection.
		snap[f.Name] = collectionState{coll: current}
		if current != nil {
			current.SetOwner(e.obj, f)
			current.SetLoader(u.loadCollection)
			current.TakeSnapshot()
			snap[f.Name] = collectionState{coll: current, stored: len(current.Elements())}
		}
		return u.snapshotElements(e.obj, f, current)
	}
	c.TakeSnapshot()
	if broken {
		c.SetSnapshot(u.withIdentifiers(f, c.Elements()))
	}
	if err := u.snapshotElements(e.obj, f, c); err != nil {
		return err
	}
	snap[f.Name] = collectionState{coll: c, stored: len(c.SnapshotElements())}
	return nil
}

// executeDeletes deletes objects of one class in batches.
func (u *UnitOfWork) executeDeletes(ctx context.Context, objects []any) error {
	size := u.options.BatchSize
	for start := 0; start < len(objects); start += size {
		end := min(start+size, len(objects))
		if err := u.deleteBatch(ctx, objects[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) deleteBatch(ctx context.Context, batch []any) error {
	var todo []any
	ids := make([]any, 0, len(batch))
	for _, obj := range batch {
		if u.deletions.has(obj) {
			todo = append(todo, obj)
			ids = append(ids, u.entries[obj].id)
		}
	}
	if len(todo) == 0 {
		return nil
	}
	meta := u.entries[todo[0]].meta
	if err := u.driver.DeleteMany(ctx, meta, ids); err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpDelete, Err: err}
	}
	u.recorder.CountWrites(meta.Name, odm.OpDelete, len(todo))
	for _, obj := range todo {
		e := u.entries[obj]
		u.identities.remove(meta.Root(), e.id)
		u.forget(obj)
	}
	for _, obj := range todo {
		if err := u.dispatch(ctx, odm.PostRemove, meta, obj); err != nil {
			return &odm.FlushError{Class: meta.Name, Operation: odm.OpDelete, Err: err}
		}
	}
	return nil
}
