package buffers

// ReadTransaction is the buffer-agnostic version of a destructor-based
// "restore on drop" scope guard: Go has no destructors, so the caller is
// expected to write
//
//	tx := buf.BeginRead()
//	defer tx.Rollback()
//	... speculative ReadByte/ReadBytesAsSequence calls ...
//	tx.Commit()
//
// exactly the sql.Tx idiom. Rollback after Commit is a no-op, so the
// deferred call is always safe to leave in place.
type ReadTransaction struct {
	cur       *cursor
	savedPos  int
	committed bool
}

// Commit keeps every byte consumed since BeginRead; a subsequent Rollback
// becomes a no-op.
func (tx *ReadTransaction) Commit() {
	tx.committed = true
}

// Rollback restores the read cursor to the position captured at BeginRead,
// unless Commit was already called. Safe to call multiple times.
func (tx *ReadTransaction) Rollback() {
	if tx.committed {
		return
	}
	tx.cur.readPos = tx.savedPos
	tx.committed = true // idempotent: a second Rollback must not move the cursor again
}
