package buffers

import "testing"

func TestFixedInputBufferReadCursor(t *testing.T) {
	buf := NewFixedInputBuffer(8)
	n := copy(buf.WritableTail(), []byte("abcdef"))
	buf.IncrementBytesRead(n)

	if buf.TotalSize() != 6 {
		t.Fatalf("TotalSize() = %d, want 6", buf.TotalSize())
	}
	if buf.Remaining() != 6 {
		t.Fatalf("Remaining() = %d, want 6", buf.Remaining())
	}

	b, ok := buf.ReadByte()
	if !ok || b != 'a' {
		t.Fatalf("ReadByte() = %q, %v, want 'a', true", b, ok)
	}

	view, ok := buf.ReadBytesAsSequence(3)
	if !ok || string(view) != "bcd" {
		t.Fatalf("ReadBytesAsSequence(3) = %q, %v, want bcd, true", view, ok)
	}

	if buf.Remaining() != 2 {
		t.Fatalf("Remaining() after reads = %d, want 2", buf.Remaining())
	}

	// Not enough data left.
	if _, ok := buf.ReadBytesAsSequence(5); ok {
		t.Fatalf("ReadBytesAsSequence(5) succeeded with only 2 bytes left")
	}
}

func TestReadTransactionRollsBackUnlessCommitted(t *testing.T) {
	buf := NewFixedInputBuffer(8)
	n := copy(buf.WritableTail(), []byte("hello"))
	buf.IncrementBytesRead(n)

	func() {
		tx := buf.BeginRead()
		defer tx.Rollback()
		buf.ReadByte()
		buf.ReadByte()
		// No Commit: speculative parse abandoned.
	}()

	if buf.ReadPosition() != 0 {
		t.Fatalf("ReadPosition() after rollback = %d, want 0", buf.ReadPosition())
	}

	func() {
		tx := buf.BeginRead()
		defer tx.Rollback()
		buf.ReadByte()
		buf.ReadByte()
		tx.Commit()
	}()

	if buf.ReadPosition() != 2 {
		t.Fatalf("ReadPosition() after commit = %d, want 2", buf.ReadPosition())
	}
}

func TestRewindReadPosition(t *testing.T) {
	buf := NewFixedInputBuffer(8)
	n := copy(buf.WritableTail(), []byte("xyz"))
	buf.IncrementBytesRead(n)

	buf.ReadByte()
	buf.ReadByte()
	pos := buf.ReadPosition()
	buf.ReadByte()

	buf.RewindReadPosition(pos)
	if buf.ReadPosition() != pos {
		t.Fatalf("ReadPosition() after rewind = %d, want %d", buf.ReadPosition(), pos)
	}
	b, ok := buf.ReadByte()
	if !ok || b != 'z' {
		t.Fatalf("ReadByte() after rewind = %q, %v, want 'z', true", b, ok)
	}
}

func TestExternalInputBufferReset(t *testing.T) {
	ext := NewExternalInputBuffer(nil)
	ext.Reset([]byte("12345"))
	ext.IncrementBytesRead(5)

	if ext.TotalSize() != 5 {
		t.Fatalf("TotalSize() = %d, want 5", ext.TotalSize())
	}
	view, ok := ext.ReadBytesAsSequence(5)
	if !ok || string(view) != "12345" {
		t.Fatalf("ReadBytesAsSequence(5) = %q, %v", view, ok)
	}

	ext.Reset([]byte("zz"))
	if ext.TotalSize() != 0 || ext.ReadPosition() != 0 {
		t.Fatalf("Reset did not clear cursor: total=%d pos=%d", ext.TotalSize(), ext.ReadPosition())
	}
}

func TestOutputBufferFlavours(t *testing.T) {
	fixed := NewFixedOutputBuffer([]byte("reply"))
	if fixed.Remaining() != 5 {
		t.Fatalf("fixed.Remaining() = %d, want 5", fixed.Remaining())
	}
	fixed.IncrementBytesWritten(3)
	if fixed.BytesWritten() != 3 || string(fixed.UnsentSlice()) != "ly" {
		t.Fatalf("fixed after partial write: written=%d unsent=%q", fixed.BytesWritten(), fixed.UnsentSlice())
	}

	sv := NewStringViewOutputBuffer("GET / HTTP/1.1\r\n")
	if sv.Remaining() != len("GET / HTTP/1.1\r\n") {
		t.Fatalf("string view Remaining() = %d", sv.Remaining())
	}

	owned := NewOwnedStringOutputBuffer("Host: example.com\r\n")
	if owned.Remaining() == 0 {
		t.Fatalf("owned string buffer should not be empty")
	}

	f := NewFormattedOutputBuffer()
	f.WriteString("4\r\n")
	f.Write([]byte("Wiki"))
	f.WriteString("\r\n")
	if string(f.UnsentSlice()) != "4\r\nWiki\r\n" {
		t.Fatalf("formatted buffer = %q", f.UnsentSlice())
	}
}

func TestPieceQueueFIFO(t *testing.T) {
	q := NewPieceQueue()
	q.Push(NewOwnedStringPiece("a"))
	q.Push(NewBorrowedBytesPiece([]byte("b")))
	f := NewFormattedOutputBuffer()
	f.WriteString("c")
	q.Push(NewFormattedPiece(f))

	var got []byte
	for !q.Empty() {
		p, ok := q.Front()
		if !ok {
			t.Fatalf("Front() returned !ok on non-empty queue")
		}
		got = append(got, p.Bytes()...)
		q.Pop()
	}
	if string(got) != "abc" {
		t.Fatalf("queue drained as %q, want abc", got)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after drain, want 0", q.Len())
	}
}
