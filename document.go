package odm

// Apply returns a copy of doc with the update applied.
func (u Update) Apply(doc Document) Document {
	r := make(Document, len(doc)+len(u.Set))
	for k, v := range doc {
		r[k] = v
	}
	for k, v := range u.Set {
		r[k] = v
	}
	for _, k := range u.Unset {
		delete(r, k)
	}
	return r
}

// Matches reports whether doc satisfies the check. A nil check always matches.
func (c *VersionCheck) Matches(doc Document) bool {
	if c == nil {
		return true
	}
	return EqualValues(doc[c.Field], c.Expected)
}

// WithID returns doc and its identifier. A document without one is copied and given a
// generated identifier.
func WithID(doc Document) (Document, any) {
	if id, ok := doc[IDKey]; ok && !isNil(id) {
		return doc, id
	}
	r := make(Document, len(doc)+1)
	for k, v := range doc {
		r[k] = v
	}
	id := NewDocumentID()
	r[IDKey] = id
	return r, id
}
