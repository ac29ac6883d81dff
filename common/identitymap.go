package common

import (
	"fmt"

	"github.com/sharedcode/odm"
)

type identityKey struct {
	class string
	id    any
}

// identityMap holds one instance per (root class, identifier) of a session.
type identityMap struct {
	objects map[identityKey]any
}

func newIdentityMap() *identityMap {
	return &identityMap{objects: make(map[identityKey]any)}
}

func keyOf(class string, id any) identityKey {
	return identityKey{class: class, id: odm.NormalizeID(id)}
}

// register maps (class, id) to obj. Registering the same instance again is a no-op.
func (im *identityMap) register(class string, id any, obj any) error {
	k := keyOf(class, id)
	if k.id == nil {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("can't register %s without identifier", class)}
	}
	if existing, ok := im.objects[k]; ok {
		if existing == obj {
			return nil
		}
		return odm.Error{
			Code:     odm.IdentityConflict,
			Err:      fmt.Errorf("%s %v: %w", class, k.id, odm.ErrIdentityConflict),
			UserData: k.id,
		}
	}
	im.objects[k] = obj
	return nil
}

func (im *identityMap) lookup(class string, id any) (any, bool) {
	obj, ok := im.objects[keyOf(class, id)]
	return obj, ok
}

// remove drops (class, id). It is idempotent.
func (im *identityMap) remove(class string, id any) {
	delete(im.objects, keyOf(class, id))
}

func (im *identityMap) size() int {
	return len(im.objects)
}
