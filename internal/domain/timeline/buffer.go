package timeline

import "time"

// Buffer accumulates timeline rows in chronological order while tolerating
// out-of-order appends. An append whose At precedes the tail walks backward
// and lands after any equal-At predecessors, so ties keep insertion order.
// Insertion order encodes priority: due and completed can legally share an
// instant on paper-entered data.
type Buffer struct {
	rows []Row
}

// Add places the row at its chronological position.
func (b *Buffer) Add(r Row) {
	i := len(b.rows)
	for i > 0 && b.rows[i-1].At.After(r.At) {
		i--
	}
	b.rows = append(b.rows, Row{})
	copy(b.rows[i+1:], b.rows[i:])
	b.rows[i] = r
}

// Truncate drops every row at or after the cutoff.
func (b *Buffer) Truncate(cutoff time.Time) {
	kept := b.rows[:0]
	for _, r := range b.rows {
		if r.At.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	b.rows = kept
}

// Rows returns the ordered rows.
func (b *Buffer) Rows() []Row {
	return b.rows
}

// Len returns the number of buffered rows.
func (b *Buffer) Len() int {
	return len(b.rows)
}
