package odm

import "fmt"

// State is the lifecycle state of an object relative to a Unit of Work session.
type State int

const (
	// StateNew objects are unknown to the session.
	StateNew State = iota
	// StateManaged objects are tracked and synchronized on flush.
	StateManaged
	// StateRemoved objects are scheduled for deletion.
	StateRemoved
	// StateDetached objects were managed once and are no longer tracked.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IDStrategy tells how a class obtains its identifier.
type IDStrategy int

const (
	// IDAuto lets the storage driver assign the identifier on insert.
	IDAuto IDStrategy = iota
	// IDUUID generates a UUID string when the object is persisted.
	IDUUID
	// IDNone requires the application to assign the identifier before persist.
	IDNone
)

// VersionType is the kind of value kept in a class version field.
type VersionType int

const (
	VersionNone VersionType = iota
	// VersionInt versions are integers starting at 1 and incremented per write.
	VersionInt
	// VersionTimestamp versions are time.Time values refreshed per write.
	VersionTimestamp
)

// CascadeType is a bit set of operations propagated through a relation.
type CascadeType uint8

const (
	CascadePersist CascadeType = 1 << iota
	CascadeRemove
	CascadeRefresh
	CascadeMerge
	CascadeDetach

	CascadeNone CascadeType = 0
	CascadeAll              = CascadePersist | CascadeRemove | CascadeRefresh | CascadeMerge | CascadeDetach
)

// Has reports whether every operation of op is part of c.
func (c CascadeType) Has(op CascadeType) bool {
	return op != 0 && c&op == op
}

func (c CascadeType) String() string {
	if c == CascadeNone {
		return "none"
	}
	if c == CascadeAll {
		return "all"
	}
	s := ""
	for _, p := range []struct {
		t CascadeType
		n string
	}{{CascadePersist, "persist"}, {CascadeRemove, "remove"}, {CascadeRefresh, "refresh"}, {CascadeMerge, "merge"}, {CascadeDetach, "detach"}} {
		if c&p.t != 0 {
			if s != "" {
				s += "|"
			}
			s += p.n
		}
	}
	return s
}

// FieldKind is the mapping kind of a field.
type FieldKind int

const (
	ScalarField FieldKind = iota
	EmbedOne
	EmbedMany
	ReferenceOne
	ReferenceMany
)

// IsRelation reports whether the kind points at another class.
func (k FieldKind) IsRelation() bool {
	return k != ScalarField
}

// IsCollection reports whether the kind is held in a PersistentCollection.
func (k FieldKind) IsCollection() bool {
	return k == EmbedMany || k == ReferenceMany
}

// IsReference reports whether the kind stores identifiers of other documents.
func (k FieldKind) IsReference() bool {
	return k == ReferenceOne || k == ReferenceMany
}

// IsEmbedded reports whether the kind stores nested documents.
func (k FieldKind) IsEmbedded() bool {
	return k == EmbedOne || k == EmbedMany
}

func (k FieldKind) String() string {
	switch k {
	case ScalarField:
		return "scalar"
	case EmbedOne:
		return "embedOne"
	case EmbedMany:
		return "embedMany"
	case ReferenceOne:
		return "referenceOne"
	case ReferenceMany:
		return "referenceMany"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IDKey is the document key holding the identifier.
const IDKey = "_id"

// Document is the raw, format agnostic storage form of an object.
type Document = map[string]any

// Update is a single document modification: fields to set and fields to remove.
type Update struct {
	Set   Document
	Unset []string
}

// IsEmpty reports whether the update modifies nothing.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0
}

// VersionCheck is the optimistic lock precondition of an update.
// The stored value of Field must equal Expected for the update to apply.
type VersionCheck struct {
	Field    string
	Expected any
}

// Snapshot maps field names to the values last known to match storage.
type Snapshot map[string]any

// FieldChange is the old and new value of a changed field.
type FieldChange struct {
	Old any
	New any
}

// ChangeSet maps changed field names to their old and new values.
type ChangeSet map[string]FieldChange

// Identity is the reference token of a related object. Objects without an identifier yet
// are identified by their instance.
type Identity struct {
	Class  string
	ID     any
	Object any
}

// IsZero reports whether the token points at nothing.
func (i Identity) IsZero() bool {
	return i.ID == nil && i.Object == nil
}

// Equal compares two tokens by identifier when both carry one, by instance otherwise.
func (i Identity) Equal(o Identity) bool {
	if i.ID != nil && o.ID != nil {
		return i.Class == o.Class && EqualValues(i.ID, o.ID)
	}
	if i.ID != nil || o.ID != nil {
		return false
	}
	return i.Object == o.Object
}

// LockMode selects the locking behavior of UnitOfWork.Lock.
type LockMode int

const (
	LockNone LockMode = iota
	// LockOptimistic checks the object's version against an expected value.
	LockOptimistic
	// LockPessimisticRead marks the stored document as read locked.
	LockPessimisticRead
	// LockPessimisticWrite marks the stored document as write locked.
	LockPessimisticWrite
)
