package encoding

import (
	"fmt"

	"github.com/sharedcode/odm"
)

// ApplyUpdate decodes the stored document ba, verifies check against it and returns the
// updated document with its encoded form. A failed check returns odm.ErrVersionConflict.
func ApplyUpdate(m Marshaler, ba []byte, update odm.Update, check *odm.VersionCheck) (odm.Document, []byte, error) {
	doc, err := DecodeDocument(m, ba)
	if err != nil {
		return nil, nil, err
	}
	if check != nil {
		ok, err := VersionMatches(m, doc, check.Field, check.Expected)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("expected %s %v, found %v: %w", check.Field, check.Expected, doc[check.Field], odm.ErrVersionConflict)
		}
	}
	doc = update.Apply(doc)
	r, err := m.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, r, nil
}

// StoredVersion returns the version field of a stored document in canonical form.
func StoredVersion(m Marshaler, ba []byte, field string) (any, error) {
	doc, err := DecodeDocument(m, ba)
	if err != nil {
		return nil, err
	}
	return Canonical(m, doc[field])
}
