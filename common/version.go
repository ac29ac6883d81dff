package common

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/odm"
)

// initialVersion assigns the first version of a versioned object about to be inserted.
func (u *UnitOfWork) initialVersion(meta *odm.ClassMetadata, obj any) error {
	if !meta.IsVersioned() || meta.GetVersion(obj) != nil {
		return nil
	}
	f, _ := meta.Field(meta.VersionField)
	return f.Set(obj, meta.NextVersion(nil))
}

// write sends one update of a managed document. Versioned classes get the precondition that
// the stored version equals the snapshot's, and the bumped version in the same update.
func (u *UnitOfWork) write(ctx context.Context, e *entry, snap odm.Snapshot, upd odm.Update, op odm.Operation) error {
	meta := e.meta
	var check *odm.VersionCheck
	var next any
	var vf *odm.FieldMapping
	if meta.IsVersioned() {
		vf, _ = meta.Field(meta.VersionField)
		expected := snap[meta.VersionField]
		if odm.IsZeroValue(expected) {
			expected = meta.GetVersion(e.obj)
		}
		next = meta.NextVersion(expected)
		if upd.Set == nil {
			upd.Set = odm.Document{}
		}
		upd.Set[vf.Key()] = next
		check = &odm.VersionCheck{Field: vf.Key(), Expected: expected}
	}
	if err := u.driver.UpdateOne(ctx, meta, e.id, upd, check); err != nil {
		if errors.Is(err, odm.ErrVersionConflict) {
			u.recorder.CountConflict(meta.Name)
			log.Warn("version conflict", "class", meta.Name, "id", e.id)
			err = odm.Error{Code: odm.ConcurrencyConflict, Err: err, UserData: e.id}
		}
		return &odm.FlushError{Class: meta.Name, Operation: op, Err: err}
	}
	u.recorder.CountWrites(meta.Name, op, 1)
	if vf != nil {
		if err := vf.Set(e.obj, next); err != nil {
			return err
		}
		v, err := cloneValue(vf.Get(e.obj))
		if err != nil {
			return err
		}
		snap[meta.VersionField] = v
	}
	return nil
}

// Lock checks the version of obj against expectedVersion (LockOptimistic) or marks its stored
// document as read or write locked through the class lock field.
func (u *UnitOfWork) Lock(ctx context.Context, obj any, mode odm.LockMode, expectedVersion any) error {
	e, err := u.writtenEntry(obj)
	if err != nil {
		return err
	}
	meta := e.meta
	switch mode {
	case odm.LockNone:
		return nil
	case odm.LockOptimistic:
		if !meta.IsVersioned() {
			return odm.Configurationf("can't lock %s optimistically, it has no version field", meta.Name)
		}
		if current := meta.GetVersion(obj); !odm.EqualValues(current, expectedVersion) {
			return odm.Error{
				Code:     odm.ConcurrencyConflict,
				Err:      fmt.Errorf("%s %v is at version %v, expected %v: %w", meta.Name, e.id, current, expectedVersion, odm.ErrVersionConflict),
				UserData: e.id,
			}
		}
		return nil
	}
	return u.setLockField(ctx, e, int(mode))
}

// Unlock clears the lock field of obj's stored document.
func (u *UnitOfWork) Unlock(ctx context.Context, obj any) error {
	e, err := u.writtenEntry(obj)
	if err != nil {
		return err
	}
	return u.setLockField(ctx, e, nil)
}

func (u *UnitOfWork) setLockField(ctx context.Context, e *entry, value any) error {
	meta := e.meta
	if meta.LockField == "" {
		return odm.Configurationf("can't lock %s, it has no lock field", meta.Name)
	}
	f, _ := meta.Field(meta.LockField)
	upd := odm.Update{Set: odm.Document{f.Key(): value}}
	if value == nil {
		upd = odm.Update{Unset: []string{f.Key()}}
	}
	if err := u.driver.UpdateOne(ctx, meta, e.id, upd, nil); err != nil {
		return &odm.FlushError{Class: meta.Name, Operation: odm.OpLock, Err: err}
	}
	if err := f.Set(e.obj, value); err != nil {
		return err
	}
	if snap, ok := u.snapshots.get(e.obj); ok {
		snap[f.Name] = f.Get(e.obj)
	}
	return nil
}

// writtenEntry returns the entry of a managed object already stored.
func (u *UnitOfWork) writtenEntry(obj any) (*entry, error) {
	e, ok := u.entries[obj]
	if !ok || e.state != odm.StateManaged {
		return nil, odm.Error{Code: odm.InvalidState, Err: odm.ErrNotManaged}
	}
	if u.insertions.has(obj) || e.id == nil {
		return nil, odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("%s is not stored yet", e.meta.Name)}
	}
	return e, nil
}
