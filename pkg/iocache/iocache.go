/*
Package iocache hides the boundary between socket reads and message
frames. A caller reads whatever bytes are available from a descriptor,
then extracts zero or more complete, delimiter-terminated frames from the
accumulated buffer.
*/
package iocache

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// Cache is a single descriptor's read buffer. The region [offset, filled)
// holds unread bytes; it survives any resize or compaction.
type Cache struct {
	data     []byte
	offset   int
	filled   int
	capacity int
}

// New allocates a cache with the given initial capacity. Read doubles
// the capacity whenever the buffer is full.
func New(capacity int) *Cache {
	return &Cache{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Available returns the number of unread bytes currently buffered.
func (c *Cache) Available() int {
	if c.filled <= c.offset {
		return 0
	}
	return c.filled - c.offset
}

// Read appends whatever is available on fd to the cache. If the unread
// region is empty it resets offset/filled to zero first (maximizing
// trailing space); otherwise it compacts the unread region to the front
// of the buffer before reading, so a growing message is never rejected
// purely for lack of contiguous room. If the unread region fills the
// whole buffer, the buffer's capacity is doubled before reading.
//
// Returns the number of bytes read (0 on EOF), or 0 and the read error.
func (c *Cache) Read(fd int) (int, error) {
	if c.offset >= c.filled {
		c.offset, c.filled = 0, 0
	} else if c.offset > 0 {
		n := copy(c.data, c.data[c.offset:c.filled])
		c.filled = n
		c.offset = 0
	}

	if c.filled >= c.capacity {
		newCap := 2 * c.capacity
		if newCap == 0 {
			newCap = 4096
		}
		grown := make([]byte, newCap)
		copy(grown, c.data[:c.filled])
		c.data, c.capacity = grown, newCap
	}

	n, err := unix.Read(fd, c.data[c.filled:c.capacity])
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.filled += n
	}
	return n, nil
}

// UseSize consumes exactly n unread bytes and returns them. It fails
// (returns nil, false) if fewer than n bytes are currently available.
func (c *Cache) UseSize(n int) ([]byte, bool) {
	if n < 0 || c.Available() < n {
		return nil, false
	}
	ret := c.data[c.offset : c.offset+n]
	c.offset += n
	return ret, true
}

// UseDelim scans the unread region for delim. On a match it consumes
// through the end of the delimiter and returns that region (including
// delim) plus its length. On no match it returns (nil, false) and leaves
// the unread prefix in the cache for the next Read/UseDelim call.
//
// UseDelim never reads past the unread region, even when delim straddles
// its end.
func (c *Cache) UseDelim(delim []byte) ([]byte, bool) {
	if len(delim) == 0 || c.Available() == 0 {
		return nil, false
	}

	unread := c.data[c.offset:c.filled]
	idx := bytes.Index(unread, delim)
	if idx < 0 {
		return nil, false
	}

	size := idx + len(delim)
	return c.UseSize(size)
}
