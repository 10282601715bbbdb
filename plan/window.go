package plan

// Unbounded is the logical end of a stream that loops until stopped.
const Unbounded int64 = -1

// Window is a contiguous range of logical samples written to the device
// in a single operation.
type Window struct {
	Offset int64
	Len    int
}

// End returns logical offset right after the window.
func (w Window) End() int64 {
	return w.Offset + int64(w.Len)
}

// Next returns window of at most size samples which starts at cursor and
// doesn't cross the end. End is Unbounded for endless streams.
func Next(cursor int64, size int, end int64) Window {
	if end == Unbounded {
		return Window{Offset: cursor, Len: size}
	}
	if left := end - cursor; left < int64(size) {
		if left < 0 {
			left = 0
		}
		return Window{Offset: cursor, Len: int(left)}
	}
	return Window{Offset: cursor, Len: size}
}

// RepetitionEnd returns the logical offset where the repetition that
// contains cursor ends. If cursor is exactly at repetition boundary, the
// cursor itself is returned.
func (p *Plan) RepetitionEnd(cursor int64) int64 {
	l := int64(p.length)
	if cursor%l == 0 {
		return cursor
	}
	return (cursor/l + 1) * l
}

// Span returns logical length of reps repetitions.
func (p *Plan) Span(reps int) int64 {
	if reps < 0 {
		return Unbounded
	}
	return int64(p.length) * int64(reps)
}
