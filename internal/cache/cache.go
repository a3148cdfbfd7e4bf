// Package cache implements a FIFO byte pipe used to re-chunk producer
// output into consumer-sized chunks. Producers push chunks of arbitrary
// length; consumers pop chunks of exactly the length they need.
package cache

// Cache is a FIFO queue of byte chunks with cheap partial consumption.
// The zero value is ready to use. Pushed chunks are owned by the cache;
// popped chunks are fresh allocations.
type Cache struct {
	chunks [][]byte

	// total is the sum of the lengths of all queued chunks, including
	// the already-consumed prefix of the head chunk.
	total int

	// headOff is the number of bytes already consumed from chunks[0].
	headOff int
}

// Push enqueues a chunk. Empty chunks are ignored.
func (c *Cache) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.chunks = append(c.chunks, chunk)
	c.total += len(chunk)
}

// Pop removes exactly n bytes from the front of the queue and returns
// them as a single chunk. Returns nil if n is not positive or exceeds
// the number of buffered bytes.
func (c *Cache) Pop(n int) []byte {
	if n <= 0 || n > c.Size() {
		return nil
	}

	out := make([]byte, n)
	written := 0
	for written < n {
		head := c.chunks[0][c.headOff:]
		copied := copy(out[written:], head)
		written += copied

		if copied == len(head) {
			// Head chunk fully consumed.
			c.total -= len(c.chunks[0])
			c.chunks[0] = nil
			c.chunks = c.chunks[1:]
			c.headOff = 0
		} else {
			c.headOff += copied
		}
	}
	return out
}

// Size returns the number of bytes available for popping.
func (c *Cache) Size() int {
	return c.total - c.headOff
}

// Empty reports whether the cache holds no bytes.
func (c *Cache) Empty() bool {
	return c.Size() == 0
}
