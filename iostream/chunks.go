package iostream

// chunkQueue is an ordered sequence of byte chunks whose logical
// concatenation is the unread (or unsent) prefix (spec §3: read_buf /
// write_buf). Grounded on gaio's aiocb buffer accumulation in tryRead/
// tryWrite, generalized from a single growable buffer into a deque so
// consuming a prefix never has to shift the rest of a large chunk.
type chunkQueue struct {
	chunks [][]byte
	size   int
}

// push appends b to the tail of the queue. Empty slices are ignored.
func (q *chunkQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.chunks = append(q.chunks, b)
	q.size += len(b)
}

// Len returns the total number of unconsumed bytes across all chunks.
func (q *chunkQueue) Len() int { return q.size }

// consume removes and returns exactly n bytes from the front of the queue,
// splitting the first chunk at the boundary if n doesn't land on a chunk
// edge. The caller must ensure n <= q.Len().
func (q *chunkQueue) consume(n int) []byte {
	if n <= 0 {
		return nil
	}
	if n == len(q.chunks[0]) {
		b := q.chunks[0]
		q.chunks = q.chunks[1:]
		q.size -= n
		return b
	}
	if n < len(q.chunks[0]) {
		b := q.chunks[0][:n:n]
		q.chunks[0] = q.chunks[0][n:]
		q.size -= n
		return b
	}

	out := make([]byte, 0, n)
	remaining := n
	for remaining > 0 {
		c := q.chunks[0]
		if len(c) <= remaining {
			out = append(out, c...)
			remaining -= len(c)
			q.chunks = q.chunks[1:]
		} else {
			out = append(out, c[:remaining]...)
			q.chunks[0] = c[remaining:]
			remaining = 0
		}
	}
	q.size -= n
	return out
}

// coalesceAll merges every chunk into one contiguous slice, replacing the
// internal storage with it, and returns it - the "bounded window" merge the
// reading algorithm (spec §4.E) uses to search for a delimiter. Bounded
// because the caller enforces max_read_buf on total size before this is
// reached.
func (q *chunkQueue) coalesceAll() []byte {
	if len(q.chunks) == 0 {
		return nil
	}
	if len(q.chunks) == 1 {
		return q.chunks[0]
	}
	merged := make([]byte, 0, q.size)
	for _, c := range q.chunks {
		merged = append(merged, c...)
	}
	q.chunks = [][]byte{merged}
	return merged
}

// peekUpTo returns (without consuming) up to limit leading bytes, coalesced
// into one slice for a single send(2)/write(2) call. The writing algorithm
// (spec §4.E) consumes exactly as many bytes as the syscall reports sent.
func (q *chunkQueue) peekUpTo(limit int) []byte {
	if len(q.chunks) == 0 {
		return nil
	}
	if len(q.chunks[0]) >= limit {
		return q.chunks[0][:limit]
	}
	n := limit
	if n > q.size {
		n = q.size
	}
	out := make([]byte, 0, n)
	for _, c := range q.chunks {
		if len(out)+len(c) > n {
			out = append(out, c[:n-len(out)]...)
			break
		}
		out = append(out, c...)
		if len(out) >= n {
			break
		}
	}
	return out
}
