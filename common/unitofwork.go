package common

import (
	"context"
	"fmt"
	log "log/slog"
	"sort"
	"time"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/hydrator"
)

// Recorder receives flush statistics. The metrics package provides a Prometheus implementation.
type Recorder interface {
	ObserveFlush(duration time.Duration, passes int, err error)
	CountWrites(class string, op odm.Operation, n int)
	CountConflict(class string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFlush(time.Duration, int, error) {}
func (nopRecorder) CountWrites(string, odm.Operation, int)  {}
func (nopRecorder) CountConflict(string)                    {}

// Config holds the collaborators of a Unit of Work.
type Config struct {
	Provider odm.MetadataProvider
	Driver   odm.StorageDriver
	// Hydrator defaults to the descriptor based hydrator of Provider.
	Hydrator odm.Hydrator
	Hooks    *odm.Hooks
	Recorder Recorder
	Options  odm.Options
}

// entry is the tracking record of one object.
type entry struct {
	obj   any
	meta  *odm.ClassMetadata
	state odm.State
	// id is the normalized identifier, nil until known.
	id  any
	seq uint64
}

// UnitOfWork implements odm.UnitOfWork. It is not safe for concurrent use.
type UnitOfWork struct {
	provider odm.MetadataProvider
	driver   odm.StorageDriver
	hydrator odm.Hydrator
	hooks    *odm.Hooks
	recorder Recorder
	options  odm.Options

	identities *identityMap
	snapshots  *snapshotStore
	entries    map[any]*entry
	detached   map[any]struct{}
	changeSets map[any]odm.ChangeSet
	seq        uint64

	insertions          *orderedSet[any]
	updates             *orderedSet[any]
	deletions           *orderedSet[any]
	collectionUpdates   *collectionSchedule
	collectionDeletions *collectionSchedule

	flush *flushState
	// reentry holds objects registered by hooks while writes execute.
	reentry *orderedSet[any]
}

var _ odm.UnitOfWork = (*UnitOfWork)(nil)
var _ odm.Resolver = (*UnitOfWork)(nil)

// NewUnitOfWork returns a new session over cfg.Driver.
func NewUnitOfWork(cfg Config) (*UnitOfWork, error) {
	if cfg.Provider == nil {
		return nil, odm.Configurationf("unit of work needs a metadata provider")
	}
	if cfg.Driver == nil {
		return nil, odm.Configurationf("unit of work needs a storage driver")
	}
	if cfg.Hydrator == nil {
		cfg.Hydrator = hydrator.New(cfg.Provider)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	u := &UnitOfWork{
		provider: cfg.Provider,
		driver:   cfg.Driver,
		hydrator: cfg.Hydrator,
		hooks:    cfg.Hooks,
		recorder: cfg.Recorder,
		options:  cfg.Options.Normalize(),
		flush:    newFlushState(),
	}
	u.reset()
	return u, nil
}

func (u *UnitOfWork) reset() {
	u.identities = newIdentityMap()
	u.snapshots = newSnapshotStore()
	u.entries = make(map[any]*entry)
	u.detached = make(map[any]struct{})
	u.changeSets = make(map[any]odm.ChangeSet)
	u.insertions = newOrderedSet[any]()
	u.updates = newOrderedSet[any]()
	u.deletions = newOrderedSet[any]()
	u.collectionUpdates = newCollectionSchedule()
	u.collectionDeletions = newCollectionSchedule()
	u.reentry = newOrderedSet[any]()
}

func (u *UnitOfWork) metadataOf(obj any) (*odm.ClassMetadata, error) {
	if obj == nil {
		return nil, odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("nil object")}
	}
	class, err := u.provider.ClassOf(obj)
	if err != nil {
		return nil, err
	}
	return u.provider.GetMetadata(class)
}

func (u *UnitOfWork) track(meta *odm.ClassMetadata, obj any, state odm.State) *entry {
	u.seq++
	e := &entry{obj: obj, meta: meta, state: state, seq: u.seq}
	u.entries[obj] = e
	delete(u.detached, obj)
	return e
}

// sortedEntries returns the tracked entries in the order they started being tracked.
func (u *UnitOfWork) sortedEntries() []*entry {
	r := make([]*entry, 0, len(u.entries))
	for _, e := range u.entries {
		r = append(r, e)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].seq < r[j].seq })
	return r
}

// noteReentry records obj for the re-entry pass when called from a hook during writes.
func (u *UnitOfWork) noteReentry(obj any) {
	if u.flush.isExecuting() {
		u.reentry.add(obj)
	}
}

func (u *UnitOfWork) dispatch(ctx context.Context, event odm.LifecycleEvent, meta *odm.ClassMetadata, obj any) error {
	if u.hooks == nil {
		return nil
	}
	args := odm.LifecycleEventArgs{Object: obj, UnitOfWork: u}
	if meta != nil {
		args.Class = meta.Name
	}
	if err := u.hooks.Dispatch(ctx, event, args); err != nil {
		return fmt.Errorf("%s hook failed: %w", event, err)
	}
	return nil
}

// Persist makes obj managed and schedules its insertion, cascading to related objects.
func (u *UnitOfWork) Persist(ctx context.Context, obj any) error {
	return u.persist(ctx, obj, make(map[any]struct{}))
}

func (u *UnitOfWork) persist(ctx context.Context, obj any, visited map[any]struct{}) error {
	if _, ok := visited[obj]; ok {
		return nil
	}
	visited[obj] = struct{}{}
	meta, err := u.metadataOf(obj)
	if err != nil {
		return err
	}
	if meta.Embedded {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("embedded class %s can't be persisted on its own", meta.Name)}
	}
	switch u.GetState(obj) {
	case odm.StateNew:
		if err := u.persistNew(ctx, meta, obj); err != nil {
			return err
		}
	case odm.StateRemoved:
		e := u.entries[obj]
		e.state = odm.StateManaged
		u.deletions.remove(obj)
		u.unscheduleCollectionsOf(obj)
	case odm.StateDetached:
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("can't persist detached %s, merge it instead", meta.Name)}
	}
	u.noteReentry(obj)
	return u.cascadeRelated(ctx, meta, obj, odm.CascadePersist, false, func(_ *odm.FieldMapping, target any) error {
		return u.persist(ctx, target, visited)
	})
}

func (u *UnitOfWork) persistNew(ctx context.Context, meta *odm.ClassMetadata, obj any) error {
	if err := u.dispatch(ctx, odm.PrePersist, meta, obj); err != nil {
		return err
	}
	id := meta.GetID(obj)
	if id == nil {
		switch meta.IDStrategy {
		case odm.IDUUID:
			id = odm.NewDocumentID()
			if err := meta.SetID(obj, id); err != nil {
				return err
			}
		case odm.IDNone:
			return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("%s uses assigned identifiers and has none", meta.Name)}
		}
	}
	if id != nil {
		if err := u.identities.register(meta.Root(), id, obj); err != nil {
			return err
		}
	}
	e := u.track(meta, obj, odm.StateManaged)
	e.id = odm.NormalizeID(id)
	u.snapshots.set(obj, odm.Snapshot{})
	u.insertions.add(obj)
	log.Debug("scheduled insert", "class", meta.Name, "id", e.id)
	return nil
}

// Remove schedules the deletion of a managed obj, cascading to related objects.
func (u *UnitOfWork) Remove(ctx context.Context, obj any) error {
	return u.remove(ctx, obj, make(map[any]struct{}))
}

func (u *UnitOfWork) remove(ctx context.Context, obj any, visited map[any]struct{}) error {
	if _, ok := visited[obj]; ok {
		return nil
	}
	visited[obj] = struct{}{}
	meta, err := u.metadataOf(obj)
	if err != nil {
		return err
	}
	switch u.GetState(obj) {
	case odm.StateNew, odm.StateRemoved:
		return nil
	case odm.StateDetached:
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("can't remove detached %s", meta.Name)}
	}
	if err := u.cascadeRelated(ctx, meta, obj, odm.CascadeRemove, true, func(_ *odm.FieldMapping, target any) error {
		return u.remove(ctx, target, visited)
	}); err != nil {
		return err
	}
	if err := u.dispatch(ctx, odm.PreRemove, meta, obj); err != nil {
		return err
	}
	e := u.entries[obj]
	if u.insertions.remove(obj) {
		// Never written, forget it.
		if e.id != nil {
			u.identities.remove(meta.Root(), e.id)
		}
		u.forget(obj)
		return nil
	}
	e.state = odm.StateRemoved
	u.updates.remove(obj)
	u.deletions.add(obj)
	u.scheduleOwnedCollectionsForDeletion(e)
	u.noteReentry(obj)
	log.Debug("scheduled delete", "class", meta.Name, "id", e.id)
	return nil
}

// forget drops every trace of obj without marking it detached.
func (u *UnitOfWork) forget(obj any) {
	u.unscheduleCollectionsOf(obj)
	u.insertions.remove(obj)
	u.updates.remove(obj)
	u.deletions.remove(obj)
	u.reentry.remove(obj)
	u.snapshots.remove(obj)
	delete(u.changeSets, obj)
	delete(u.entries, obj)
}

// Detach stops tracking obj without touching storage, cascading to related objects.
func (u *UnitOfWork) Detach(obj any) error {
	return u.detach(obj, make(map[any]struct{}))
}

func (u *UnitOfWork) detach(obj any, visited map[any]struct{}) error {
	if _, ok := visited[obj]; ok {
		return nil
	}
	visited[obj] = struct{}{}
	e, ok := u.entries[obj]
	if !ok {
		return nil
	}
	if e.id != nil {
		u.identities.remove(e.meta.Root(), e.id)
	}
	u.forget(obj)
	u.detached[obj] = struct{}{}
	return u.cascadeRelated(context.Background(), e.meta, obj, odm.CascadeDetach, false, func(_ *odm.FieldMapping, target any) error {
		return u.detach(target, visited)
	})
}

// Clear detaches every tracked object.
func (u *UnitOfWork) Clear() {
	objects := make([]any, 0, len(u.entries))
	for obj := range u.entries {
		objects = append(objects, obj)
	}
	u.reset()
	for _, obj := range objects {
		u.detached[obj] = struct{}{}
	}
}

// GetState returns the lifecycle state of obj in this session.
func (u *UnitOfWork) GetState(obj any) odm.State {
	if e, ok := u.entries[obj]; ok {
		return e.state
	}
	if _, ok := u.detached[obj]; ok {
		return odm.StateDetached
	}
	return odm.StateNew
}

// Contains reports whether obj is managed and not scheduled for deletion.
func (u *UnitOfWork) Contains(obj any) bool {
	return u.GetState(obj) == odm.StateManaged
}

// Size returns the number of objects in the identity map.
func (u *UnitOfWork) Size() int {
	return u.identities.size()
}

func (u *UnitOfWork) IsScheduledForInsert(obj any) bool {
	return u.insertions.has(obj)
}

// IsScheduledForUpdate reports a pending update, including one caused only by collection changes.
func (u *UnitOfWork) IsScheduledForUpdate(obj any) bool {
	return u.updates.has(obj)
}

func (u *UnitOfWork) IsScheduledForDelete(obj any) bool {
	return u.deletions.has(obj)
}

func (u *UnitOfWork) IsCollectionScheduledForUpdate(c odm.PersistentCollection) bool {
	return c != nil && u.collectionUpdates.has(c)
}

func (u *UnitOfWork) IsCollectionScheduledForDeletion(c odm.PersistentCollection) bool {
	return c != nil && u.collectionDeletions.has(c)
}

// GetDocumentChangeSet returns the change set last computed for obj.
func (u *UnitOfWork) GetDocumentChangeSet(obj any) odm.ChangeSet {
	cs, ok := u.changeSets[obj]
	if !ok {
		return odm.ChangeSet{}
	}
	return cs
}

func (u *UnitOfWork) unscheduleCollectionsOf(owner any) {
	for _, c := range u.collectionUpdates.of(owner) {
		u.collectionUpdates.remove(c)
	}
	for _, c := range u.collectionDeletions.of(owner) {
		u.collectionDeletions.remove(c)
	}
}

// scheduleOwnedCollectionsForDeletion moves every collection of a removed owner to the deletion schedule.
func (u *UnitOfWork) scheduleOwnedCollectionsForDeletion(e *entry) {
	for i := range e.meta.Fields {
		f := &e.meta.Fields[i]
		if !f.Kind.IsCollection() || f.IsInverse() {
			continue
		}
		c, ok := f.Get(e.obj).(odm.PersistentCollection)
		if !ok {
			continue
		}
		if c.Owner() == nil {
			c.SetOwner(e.obj, f)
		}
		u.collectionUpdates.remove(c)
		u.collectionDeletions.add(c)
	}
}
