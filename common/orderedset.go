package common

import "github.com/sharedcode/odm"

// orderedSet keeps members in first-added order, which makes scheduling deterministic.
type orderedSet[K comparable] struct {
	seq     uint64
	members map[K]uint64
	// order may hold stale slots of removed or re-added members; items skips them.
	order []slot[K]
}

type slot[K comparable] struct {
	key K
	seq uint64
}

func newOrderedSet[K comparable]() *orderedSet[K] {
	return &orderedSet[K]{members: make(map[K]uint64)}
}

func (s *orderedSet[K]) add(k K) bool {
	if _, ok := s.members[k]; ok {
		return false
	}
	s.seq++
	s.members[k] = s.seq
	s.order = append(s.order, slot[K]{key: k, seq: s.seq})
	return true
}

func (s *orderedSet[K]) remove(k K) bool {
	if _, ok := s.members[k]; !ok {
		return false
	}
	delete(s.members, k)
	if len(s.members) == 0 {
		s.order = s.order[:0]
	}
	return true
}

func (s *orderedSet[K]) has(k K) bool {
	_, ok := s.members[k]
	return ok
}

func (s *orderedSet[K]) len() int {
	return len(s.members)
}

func (s *orderedSet[K]) clear() {
	s.members = make(map[K]uint64)
	s.order = nil
}

// items returns the members in the order they were added.
func (s *orderedSet[K]) items() []K {
	r := make([]K, 0, len(s.members))
	live := s.order[:0]
	for _, sl := range s.order {
		if seq, ok := s.members[sl.key]; ok && seq == sl.seq {
			r = append(r, sl.key)
			live = append(live, sl)
		}
	}
	clear(s.order[len(live):])
	s.order = live
	return r
}

// collectionSchedule is an ordered set of collections indexed by owner.
type collectionSchedule struct {
	all     *orderedSet[odm.PersistentCollection]
	owners  map[odm.PersistentCollection]any
	byOwner map[any][]odm.PersistentCollection
}

func newCollectionSchedule() *collectionSchedule {
	return &collectionSchedule{
		all:     newOrderedSet[odm.PersistentCollection](),
		owners:  make(map[odm.PersistentCollection]any),
		byOwner: make(map[any][]odm.PersistentCollection),
	}
}

func (s *collectionSchedule) add(c odm.PersistentCollection) bool {
	if !s.all.add(c) {
		return false
	}
	owner := c.Owner()
	s.owners[c] = owner
	s.byOwner[owner] = append(s.byOwner[owner], c)
	return true
}

func (s *collectionSchedule) remove(c odm.PersistentCollection) bool {
	if !s.all.remove(c) {
		return false
	}
	owner := s.owners[c]
	delete(s.owners, c)
	list := s.byOwner[owner]
	for i := range list {
		if list[i] == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byOwner, owner)
	} else {
		s.byOwner[owner] = list
	}
	return true
}

func (s *collectionSchedule) has(c odm.PersistentCollection) bool {
	return s.all.has(c)
}

func (s *collectionSchedule) len() int {
	return s.all.len()
}

// of returns the collections scheduled for owner in the order they were added.
func (s *collectionSchedule) of(owner any) []odm.PersistentCollection {
	return append([]odm.PersistentCollection(nil), s.byOwner[owner]...)
}
