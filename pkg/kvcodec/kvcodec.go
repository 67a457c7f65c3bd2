/*
Package kvcodec implements the key/value wire codec used on the
master<->worker job channel.

A frame is a sequence of "key=value" pairs, each terminated by a single
NUL byte, followed by a two-byte frame terminator of two more NUL bytes:

	key1=value1\x00key2=value2\x00\x00\x00

Values may contain arbitrary bytes, including '=' and embedded NULs,
since they carry captured stdout/stderr from executed commands. Keys
may contain neither NUL nor '='. The one value shape that does not
survive a round trip is a NUL followed by a run of non-NUL bytes and an
'=': Parse cannot tell that apart from the start of the next pair and
splits the value there.
*/
package kvcodec

import (
	"bytes"
	"sort"
)

const (
	// KVSep separates a key from its value within a pair.
	KVSep = '='
	// PairSep terminates a single pair. Two consecutive PairSep bytes
	// terminate the whole frame.
	PairSep = 0x00
)

// Pair is a single key/value entry. Insertion order is significant.
type Pair struct {
	Key   string
	Value []byte
}

// Vector is an ordered, growable sequence of Pairs.
type Vector struct {
	Pairs  []Pair
	sorted bool
}

// minGrowth is the spec's "grow to at least used+5" rule, applied on top
// of whatever growth strategy append() itself uses internally.
const minGrowth = 5

// NewVector returns an empty vector pre-sized to hold at least hint pairs.
func NewVector(hint int) *Vector {
	if hint < 0 {
		hint = 0
	}
	return &Vector{Pairs: make([]Pair, 0, hint)}
}

// Add appends a key/value pair. value may be nil, which is treated as a
// zero-length value.
func (v *Vector) Add(key string, value []byte) {
	if cap(v.Pairs) == len(v.Pairs) {
		grown := make([]Pair, len(v.Pairs), len(v.Pairs)+minGrowth)
		copy(grown, v.Pairs)
		v.Pairs = grown
	}
	v.Pairs = append(v.Pairs, Pair{Key: key, Value: value})
	v.sorted = false
}

// AddString is a convenience wrapper around Add for string values.
func (v *Vector) AddString(key, value string) {
	v.Add(key, []byte(value))
}

// Len returns the number of pairs in the vector.
func (v *Vector) Len() int { return len(v.Pairs) }

// Get returns the value of the first pair with the given key and whether
// it was found.
func (v *Vector) Get(key string) ([]byte, bool) {
	for _, p := range v.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Sort orders the pairs lexicographically by key and marks the vector as
// sorted, so callers may later binary-search it.
func (v *Vector) Sort() {
	sort.SliceStable(v.Pairs, func(i, j int) bool {
		return v.Pairs[i].Key < v.Pairs[j].Key
	})
	v.sorted = true
}

// Sorted reports whether Sort has been called since the last Add.
func (v *Vector) Sorted() bool { return v.sorted }

// Size returns the number of bytes Serialize would produce for this
// vector: the sum of every key and value length, plus one KVSep and one
// PairSep per pair, plus the two-byte frame terminator.
func (v *Vector) Size() int {
	n := 2 // frame terminator
	for _, p := range v.Pairs {
		n += len(p.Key) + 1 + len(p.Value) + 1
	}
	return n
}

// Serialize renders the vector as "key=value\x00" for every pair,
// followed by the two-byte frame terminator "\x00\x00".
func Serialize(v *Vector) []byte {
	buf := make([]byte, 0, v.Size())
	for _, p := range v.Pairs {
		buf = append(buf, p.Key...)
		buf = append(buf, KVSep)
		buf = append(buf, p.Value...)
		buf = append(buf, PairSep)
	}
	// Two sentinel zero bytes after the last pair, not one.
	buf = append(buf, PairSep, PairSep)
	return buf
}

// Parse splits buf (a single frame's worth of bytes, without its
// terminating double-NUL — the caller has already located the boundary)
// into a Vector.
//
// Values may carry embedded PairSep and KVSep bytes (captured
// stdout/stderr can contain anything), so a value's end can't be found
// by scanning forward for the next PairSep alone: that would stop at the
// first embedded one. Instead a value ends at the first PairSep that is
// either the final byte of buf or followed by a run of non-PairSep bytes
// and a KVSep, i.e. by the next pair's key. Serialize always emits
// exactly one PairSep after every value, so with the frame's own
// two-byte terminator already stripped by the caller, buf's last byte
// is the final pair's terminator.
//
// Parse never reads past len(buf). A zero-length key at any position
// other than the very first pair is treated as a malformed frame: Parse
// stops and returns everything parsed so far, with ok=false.
func Parse(buf []byte) (*Vector, bool) {
	v := NewVector(4)
	ok := true
	offset := 0
	for offset < len(buf) {
		eq := bytes.IndexByte(buf[offset:], KVSep)
		if eq < 0 {
			ok = false
			break
		}
		key := buf[offset : offset+eq]
		if len(key) == 0 && offset != 0 {
			ok = false
			break
		}
		valueStart := offset + eq + 1

		valueEnd := -1
		for i := valueStart; i < len(buf) && valueEnd < 0; i++ {
			if buf[i] != PairSep {
				continue
			}
			if j := bytes.IndexAny(buf[i+1:], "\x00="); i == len(buf)-1 || (j >= 0 && buf[i+1+j] == KVSep) {
				valueEnd = i
			}
		}

		if valueEnd < valueStart || valueEnd >= len(buf) || buf[valueEnd] != PairSep {
			ok = false
			break
		}

		value := buf[valueStart:valueEnd]
		v.Add(string(key), append([]byte(nil), value...))
		offset = valueEnd + 1
	}
	return v, ok
}
