package odm

import "context"

// MetadataProvider supplies class metadata.
type MetadataProvider interface {
	// GetMetadata returns the validated metadata of class.
	GetMetadata(class string) (*ClassMetadata, error)
	// ClassOf returns the class name of a mapped object.
	ClassOf(obj any) (string, error)
}

// StorageDriver writes and reads documents of one store. Implementations must be safe for
// concurrent use; each call is atomic for a single document only.
type StorageDriver interface {
	// InsertMany stores docs and returns their identifiers in order. Documents without an
	// IDKey entry get a generated identifier.
	InsertMany(ctx context.Context, meta *ClassMetadata, docs []Document) ([]any, error)
	// UpdateOne applies update to the document with id. With a non nil check, the update applies
	// only if the stored version equals check.Expected and fails with ErrVersionConflict otherwise.
	UpdateOne(ctx context.Context, meta *ClassMetadata, id any, update Update, check *VersionCheck) error
	// DeleteMany removes the documents with ids. Missing documents are ignored.
	DeleteMany(ctx context.Context, meta *ClassMetadata, ids []any) error
	// Find returns the document with id or ErrNotFound.
	Find(ctx context.Context, meta *ClassMetadata, id any) (Document, error)
}

// ReferenceFinder is implemented by drivers able to load inverse relations.
type ReferenceFinder interface {
	// FindReferencing returns the documents of meta whose field key references id.
	FindReferencing(ctx context.Context, meta *ClassMetadata, key string, id any) ([]Document, error)
}

// Hydrator converts between objects and documents.
type Hydrator interface {
	// ToDocument returns the full document of obj. Uninitialized collections are omitted.
	ToDocument(meta *ClassMetadata, obj any) (Document, error)
	// FromDocument builds a new instance of meta from doc.
	FromDocument(meta *ClassMetadata, doc Document) (any, error)
	// Hydrate overwrites the mapped fields of obj with doc.
	Hydrate(meta *ClassMetadata, obj any, doc Document) error
	// FieldValue returns the storage value of one field of obj.
	FieldValue(meta *ClassMetadata, field *FieldMapping, obj any) (any, error)
}

// UnitOfWork tracks objects of one session and writes their changes on Flush.
// It is not safe for concurrent use.
type UnitOfWork interface {
	Persist(ctx context.Context, obj any) error
	Remove(ctx context.Context, obj any) error
	// Merge copies the state of obj onto the managed instance of the same identity and returns it.
	Merge(ctx context.Context, obj any) (any, error)
	// Refresh reloads obj from storage, discarding local changes.
	Refresh(ctx context.Context, obj any) error
	Detach(obj any) error
	Clear()
	Flush(ctx context.Context) error
	// Find returns the managed instance of class with id, loading it if needed.
	Find(ctx context.Context, class string, id any) (any, error)

	ComputeChangeSet(meta *ClassMetadata, obj any) error
	RecomputeSingleDocumentChangeSet(meta *ClassMetadata, obj any) error
	GetDocumentChangeSet(obj any) ChangeSet

	IsScheduledForInsert(obj any) bool
	IsScheduledForUpdate(obj any) bool
	IsScheduledForDelete(obj any) bool
	IsCollectionScheduledForUpdate(c PersistentCollection) bool
	IsCollectionScheduledForDeletion(c PersistentCollection) bool

	GetState(obj any) State
	Contains(obj any) bool
	Size() int

	// Lock checks the version of obj (LockOptimistic) or marks its stored document as locked.
	Lock(ctx context.Context, obj any, mode LockMode, expectedVersion any) error
	Unlock(ctx context.Context, obj any) error
}
