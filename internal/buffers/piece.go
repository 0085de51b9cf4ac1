package buffers

import "container/list"

// Piece is a tagged union over the three shapes an outgoing-data piece can
// take: an owned string, a borrowed byte slice, or a formatted buffer built
// up incrementally. Exactly one of the owned, borrowed and formatted
// fields is meaningful, selected by kind.
type Piece struct {
	kind      pieceKind
	owned     string
	borrowed  []byte
	formatted *FormattedOutputBuffer
}

type pieceKind int

const (
	pieceOwnedString pieceKind = iota
	pieceBorrowedBytes
	pieceFormatted
)

// NewOwnedStringPiece wraps a string the queue itself keeps alive.
func NewOwnedStringPiece(s string) Piece {
	return Piece{kind: pieceOwnedString, owned: s}
}

// NewBorrowedBytesPiece wraps a slice whose backing array is owned and kept
// alive by the caller for as long as the piece sits in the queue.
func NewBorrowedBytesPiece(b []byte) Piece {
	return Piece{kind: pieceBorrowedBytes, borrowed: b}
}

// NewFormattedPiece wraps a FormattedOutputBuffer assembled by the caller.
func NewFormattedPiece(f *FormattedOutputBuffer) Piece {
	return Piece{kind: pieceFormatted, formatted: f}
}

// Bytes returns the piece's content as a byte slice, whichever shape it was
// constructed from.
func (p Piece) Bytes() []byte {
	switch p.kind {
	case pieceOwnedString:
		return []byte(p.owned)
	case pieceBorrowedBytes:
		return p.borrowed
	case pieceFormatted:
		return p.formatted.data
	default:
		return nil
	}
}

// PieceQueue is the FIFO list of outgoing-data pieces a write stage
// consumes in order, one piece at a time, until empty.
type PieceQueue struct {
	l *list.List
}

// NewPieceQueue returns an empty queue.
func NewPieceQueue() *PieceQueue {
	return &PieceQueue{l: list.New()}
}

// Push appends a piece to the back of the queue.
func (q *PieceQueue) Push(p Piece) {
	q.l.PushBack(p)
}

// Front returns the piece at the head of the queue without removing it.
func (q *PieceQueue) Front() (Piece, bool) {
	e := q.l.Front()
	if e == nil {
		return Piece{}, false
	}
	return e.Value.(Piece), true
}

// Pop removes and discards the piece at the head of the queue.
func (q *PieceQueue) Pop() {
	if e := q.l.Front(); e != nil {
		q.l.Remove(e)
	}
}

// Empty reports whether the queue has no pending pieces.
func (q *PieceQueue) Empty() bool {
	return q.l.Len() == 0
}

// Len returns the number of pieces currently queued.
func (q *PieceQueue) Len() int {
	return q.l.Len()
}
