package common

import (
	"fmt"

	"github.com/sharedcode/odm"
)

type collectionAction int

const (
	collectionUnchanged collectionAction = iota
	collectionUpdate
	collectionDelete
)

// ComputeChangeSet computes the change set of obj and schedules its update when it is managed
// and changed. For objects not tracked by the session every non-default field is reported as
// changed from absent.
func (u *UnitOfWork) ComputeChangeSet(meta *odm.ClassMetadata, obj any) error {
	if meta == nil {
		var err error
		if meta, err = u.metadataOf(obj); err != nil {
			return err
		}
	}
	e, ok := u.entries[obj]
	if !ok {
		cs, err := u.diff(meta, obj, odm.Snapshot{})
		if err != nil {
			return err
		}
		u.changeSets[obj] = cs
		return nil
	}
	u.noteReentry(obj)
	_, err := u.computeEntry(e)
	return err
}

// RecomputeSingleDocumentChangeSet recomputes the change set of a managed obj, typically from a
// lifecycle hook that changed it. Old values already reported are kept.
func (u *UnitOfWork) RecomputeSingleDocumentChangeSet(meta *odm.ClassMetadata, obj any) error {
	e, ok := u.entries[obj]
	if !ok || e.state != odm.StateManaged {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("recompute change set: %w", odm.ErrNotManaged)}
	}
	if meta != nil && meta.Name != e.meta.Name {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("recompute change set: object is a %s, not a %s", e.meta.Name, meta.Name)}
	}
	previous := u.changeSets[obj]
	u.noteReentry(obj)
	if _, err := u.computeEntry(e); err != nil {
		return err
	}
	cs := u.changeSets[obj]
	for name, change := range cs {
		if p, ok := previous[name]; ok {
			change.Old = p.Old
			cs[name] = change
		}
	}
	return nil
}

// computeChangeSets runs change detection over every tracked object. Change sets reported for
// objects the session does not track are dropped.
func (u *UnitOfWork) computeChangeSets() error {
	for obj := range u.changeSets {
		if _, ok := u.entries[obj]; !ok {
			delete(u.changeSets, obj)
		}
	}
	for _, e := range u.sortedEntries() {
		if _, err := u.computeEntry(e); err != nil {
			return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpUpdate, Err: err}
		}
	}
	return nil
}

// computeEntry refreshes the change set of e and its schedule. It reports whether e has
// pending writes.
func (u *UnitOfWork) computeEntry(e *entry) (bool, error) {
	switch e.state {
	case odm.StateRemoved:
		u.scheduleOwnedCollectionsForDeletion(e)
		return false, nil
	case odm.StateManaged:
	default:
		return false, nil
	}
	snap, _ := u.snapshots.get(e.obj)
	cs, err := u.diff(e.meta, e.obj, snap)
	if err != nil {
		return false, err
	}
	u.changeSets[e.obj] = cs
	if u.insertions.has(e.obj) {
		// Collections of new documents are written inline with the insert.
		return true, nil
	}
	collectionsChanged, err := u.classifyCollections(e, snap)
	if err != nil {
		return false, err
	}
	if len(cs) > 0 || collectionsChanged {
		u.updates.add(e.obj)
		return true, nil
	}
	u.updates.remove(e.obj)
	return false, nil
}

// diff compares the tracked non collection fields of obj against snap. Fields missing from
// snap are compared against absence.
func (u *UnitOfWork) diff(meta *odm.ClassMetadata, obj any, snap odm.Snapshot) (odm.ChangeSet, error) {
	cs := odm.ChangeSet{}
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if !meta.IsTracked(f.Name) || f.Kind.IsCollection() {
			continue
		}
		current, err := u.snapshotValue(f, obj, false)
		if err != nil {
			return nil, err
		}
		old, had := snap[f.Name]
		if !had {
			if isAbsent(current) {
				continue
			}
		} else if valuesEqual(old, current) {
			continue
		}
		cs[f.Name] = odm.FieldChange{Old: old, New: f.Get(obj)}
	}
	return cs, nil
}

func isAbsent(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case odm.Identity:
		return s.IsZero()
	case odm.Snapshot:
		return false
	}
	return odm.IsZeroValue(v)
}

// classifyCollections schedules the collections of a managed owner for update or deletion.
func (u *UnitOfWork) classifyCollections(e *entry, snap odm.Snapshot) (bool, error) {
	changed := false
	for i := range e.meta.Fields {
		f := &e.meta.Fields[i]
		if !f.Kind.IsCollection() || f.IsInverse() {
			continue
		}
		c, _ := f.Get(e.obj).(odm.PersistentCollection)
		prior, _ := snap[f.Name].(collectionState)
		if c != nil {
			if c.Owner() == nil {
				c.SetOwner(e.obj, f)
			}
			if err := c.Err(); err != nil {
				return false, fmt.Errorf("collection %s.%s: %w", e.meta.Name, f.Name, err)
			}
		}
		action, err := u.collectionAction(f, c, prior)
		if err != nil {
			return false, err
		}
		target := c
		if target == nil {
			target = prior.coll
		}
		u.unscheduleFieldCollections(e.obj, f.Name, target)
		if target == nil {
			continue
		}
		switch action {
		case collectionDelete:
			u.collectionUpdates.remove(target)
			u.collectionDeletions.add(target)
			changed = true
		case collectionUpdate:
			u.collectionDeletions.remove(target)
			u.collectionUpdates.add(target)
			changed = true
		default:
			u.collectionUpdates.remove(target)
			u.collectionDeletions.remove(target)
		}
	}
	return changed, nil
}

// collectionAction decides the write a collection needs. A collection left without elements
// is deleted when storage holds elements for it and never written as an empty update.
func (u *UnitOfWork) collectionAction(f *odm.FieldMapping, c odm.PersistentCollection, prior collectionState) (collectionAction, error) {
	if c != prior.coll {
		if c == nil || (c.IsInitialized() && len(c.Elements()) == 0) {
			if prior.stored > 0 {
				return collectionDelete, nil
			}
			return collectionUnchanged, nil
		}
		return collectionUpdate, nil
	}
	if c == nil || !c.IsInitialized() {
		return collectionUnchanged, nil
	}
	if len(c.Elements()) == 0 {
		if prior.stored > 0 || len(c.SnapshotElements()) > 0 {
			return collectionDelete, nil
		}
		return collectionUnchanged, nil
	}
	if c.IsDirty() {
		return collectionUpdate, nil
	}
	changed, err := u.embeddedElementsChanged(f, c)
	if err != nil || !changed {
		return collectionUnchanged, err
	}
	return collectionUpdate, nil
}

// embeddedElementsChanged reports content changes of embedded collection elements.
func (u *UnitOfWork) embeddedElementsChanged(f *odm.FieldMapping, c odm.PersistentCollection) (bool, error) {
	if f.Kind != odm.EmbedMany {
		return false, nil
	}
	target, err := u.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return false, err
	}
	for _, el := range c.Elements() {
		before, ok := u.snapshots.element(c.Owner(), f.Name, el)
		if !ok {
			continue
		}
		now, err := u.takeSnapshot(target, el, true)
		if err != nil {
			return false, err
		}
		if !snapshotsEqual(before, now) {
			return true, nil
		}
	}
	return false, nil
}

// unscheduleFieldCollections drops schedules of collections formerly held by an owner field.
func (u *UnitOfWork) unscheduleFieldCollections(owner any, field string, keep odm.PersistentCollection) {
	for _, set := range []*collectionSchedule{u.collectionUpdates, u.collectionDeletions} {
		for _, c := range set.of(owner) {
			if c != keep && c.Mapping() != nil && c.Mapping().Name == field {
				set.remove(c)
			}
		}
	}
}
