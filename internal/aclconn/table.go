package aclconn

import "sync"

// Table is one ACL's connection map: the "for every connection id at
// every moment, exactly one handler is Active" invariant from §8 lives
// here. The ACL manager calls Tick on every live slot once per second;
// maxconn is enforced by the accept loop's token semaphore, not by Len.
type Table struct {
	mu     sync.Mutex
	nextID uint64
	slots  map[uint64]*Slot
}

// NewTable returns an empty connection table.
func NewTable() *Table {
	return &Table{slots: make(map[uint64]*Slot)}
}

// Register allocates a connection id and stores its slot.
func (t *Table) Register(s *Slot) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.slots[id] = s
	return id
}

// Remove drops a connection from the table once its slot has been
// released. The caller (the connection's own goroutine, at the end of
// its pipeline) is responsible for having already called Slot.Release.
func (t *Table) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, id)
}

// Len reports the number of live connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Tick calls Slot.Tick on every live connection. Called once per second
// by the ACL manager's global timer.
func (t *Table) Tick() {
	t.mu.Lock()
	snapshot := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	for _, s := range snapshot {
		s.Tick()
	}
}

// ReleaseAll releases every live connection's handler, e.g. on ACL
// shutdown. It does not itself remove entries from the table; callers
// typically discard the whole Table afterwards.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	snapshot := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		snapshot = append(snapshot, s)
	}
	t.mu.Unlock()

	for _, s := range snapshot {
		s.Release()
	}
}
