// Package lsn defines the Log Sequence Number shared by the WAL,
// recovery dispatcher, and replication engine (spec.md §3 "LSN").
package lsn

import "fmt"

// LSN identifies a record position as (file number, byte offset),
// totally ordered lexicographically. The zero value is the "not yet
// written" sentinel.
type LSN struct {
	File   uint32
	Offset uint32
}

// Zero is the "not yet written" sentinel.
var Zero = LSN{}

// IsZero reports whether l is the not-yet-written sentinel.
func (l LSN) IsZero() bool {
	return l.File == 0 && l.Offset == 0
}

// Compare returns -1, 0, or 1 as l is less than, equal to, or greater
// than other, per the lexicographic (file, offset) ordering.
func (l LSN) Compare(other LSN) int {
	switch {
	case l.File < other.File:
		return -1
	case l.File > other.File:
		return 1
	case l.Offset < other.Offset:
		return -1
	case l.Offset > other.Offset:
		return 1
	default:
		return 0
	}
}

// Less reports whether l sorts before other.
func (l LSN) Less(other LSN) bool { return l.Compare(other) < 0 }

func (l LSN) String() string { return fmt.Sprintf("{%d,%d}", l.File, l.Offset) }

// Max returns the greater of a and b.
func Max(a, b LSN) LSN {
	if a.Less(b) {
		return b
	}
	return a
}

// Min returns the lesser of a and b.
func Min(a, b LSN) LSN {
	if a.Less(b) {
		return a
	}
	return b
}
