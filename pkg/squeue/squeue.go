/*
Package squeue implements a bucketed scheduling queue for equal-priority
timer events (job timeouts, worker health pings). Add and Remove are
O(1); Peek and Pop are O(k) where k is the number of buckets, which in
practice stays small because the queue is not meant to hold a large
fraction of a horizon's worth of events at once.

Events scheduled within the next "horizon" buckets live in a bucket's
current list. Events scheduled farther out live in that bucket's later
list until time catches up with them, at which point Peek promotes them
into current. The later list is kept ordered so its head always holds
the soonest-due event, letting promotion skip buckets that can't
possibly have anything ready yet.
*/
package squeue

import (
	"fmt"
	"time"
)

// Event is a single scheduled item. The zero value is not usable;
// Events are only ever produced by Queue.Add.
type Event struct {
	When time.Time
	Data interface{}

	when int64
	// inLater records which list this event lives in, set at insertion
	// and promotion time rather than recomputed from When at removal
	// time — recomputing from When against the current clock can
	// misclassify an event that has aged from later into current since
	// it was added, which would corrupt the wrong bucket list.
	inLater    bool
	prev, next *Event
}

type bucket struct {
	current *Event
	later   *Event
}

// Queue is a fixed-size ring of buckets indexed by when%numBuckets.
type Queue struct {
	numEvents  uint
	runsLater  uint
	numBuckets int64
	readOffset int64
	buckets    []bucket
	now        func() time.Time
}

// New creates a queue with the given bucket horizon, in seconds. A
// horizon of zero is invalid since an empty scheduling queue is
// useless.
func New(horizonSeconds int) (*Queue, error) {
	if horizonSeconds <= 0 {
		return nil, fmt.Errorf("squeue: horizon must be positive, got %d", horizonSeconds)
	}
	return &Queue{
		numBuckets: int64(horizonSeconds),
		readOffset: time.Now().Unix(),
		buckets:    make([]bucket, horizonSeconds),
		now:        time.Now,
	}, nil
}

func (q *Queue) slot(when int64) int64 {
	s := when % q.numBuckets
	if s < 0 {
		s += q.numBuckets
	}
	return s
}

func (q *Queue) bucketAt(when int64) *bucket {
	return &q.buckets[q.slot(when)]
}

// isCurrent reports whether when falls within the next numBuckets
// seconds from now (or has already passed), i.e. whether it belongs in
// a bucket's current list rather than its later list.
func (q *Queue) isCurrent(when, now int64) bool {
	return when < now || (when-now) < q.numBuckets
}

// promote moves every now-current event out of bucket.later and into
// bucket.current. It never runs while current is non-empty, matching
// the reference implementation: current is drained via Pop before
// later is ever consulted again.
func (q *Queue) promote(b *bucket) {
	if b.current != nil || b.later == nil {
		return
	}

	now := q.now().Unix()
	if b.later.when > now+q.numBuckets {
		return
	}

	var prev *Event
	evt := b.later
	for evt != nil {
		next := evt.next

		if !q.isCurrent(evt.when-1, now) {
			prev = evt
			evt = next
			continue
		}

		q.runsLater--

		if prev != nil {
			prev.next = next
		} else {
			b.later = next
		}
		if next != nil {
			next.prev = prev
		}

		evt.inLater = false
		evt.next = b.current
		evt.prev = nil
		if b.current != nil {
			b.current.prev = evt
		}
		b.current = evt

		evt = next
	}
}

// Add schedules data to run at when, returning the Event handle needed
// to Remove it later. Events scheduled in the past are clamped to now.
func (q *Queue) Add(when time.Time, data interface{}) *Event {
	now := q.now()
	if when.Before(now) {
		when = now
	}

	evt := &Event{When: when, Data: data, when: when.Unix()}
	q.addEvent(evt, now.Unix())
	return evt
}

func (q *Queue) addEvent(evt *Event, now int64) {
	b := q.bucketAt(evt.when)

	if q.isCurrent(evt.when, now) {
		evt.inLater = false
		evt.next = b.current
		if b.current != nil {
			b.current.prev = evt
		}
		b.current = evt
	} else {
		evt.inLater = true
		if b.later == nil || evt.when <= b.later.when {
			evt.next = b.later
			if b.later != nil {
				b.later.prev = evt
			}
			b.later = evt
		} else {
			evt.next = b.later.next
			evt.prev = b.later
			if b.later.next != nil {
				b.later.next.prev = evt
			}
			b.later.next = evt
		}
		q.runsLater++
	}

	q.numEvents++
	if evt.when < q.readOffset {
		q.readOffset = evt.when
	}
}

// Peek returns the soonest-due event without removing it, or nil if the
// queue is empty.
func (q *Queue) Peek() *Event {
	if q.numEvents == 0 {
		return nil
	}

	var bestLater *Event
	for i := int64(0); i < q.numBuckets; i++ {
		b := &q.buckets[q.slot(q.readOffset+i)]
		q.promote(b)

		if b.current != nil {
			return b.current
		}
		if b.later != nil && (bestLater == nil || bestLater.when > b.later.when) {
			bestLater = b.later
		}
	}

	return bestLater
}

// Pop removes and returns the soonest-due event, or nil if the queue is
// empty.
func (q *Queue) Pop() *Event {
	evt := q.Peek()
	if evt == nil {
		return nil
	}
	q.Remove(evt)
	return evt
}

// Remove unlinks evt from the queue. It is an error to remove an event
// that is not (or no longer) in the queue.
func (q *Queue) Remove(evt *Event) error {
	if evt == nil || q.numEvents == 0 {
		return fmt.Errorf("squeue: nothing to remove")
	}

	prev, next := evt.prev, evt.next
	q.numEvents--

	if next != nil {
		next.prev = prev
	}
	if prev != nil {
		prev.next = next
	} else {
		b := q.bucketAt(evt.when)
		if evt.inLater {
			b.later = next
		} else {
			b.current = next
		}
	}

	if evt.inLater {
		q.runsLater--
	}

	evt.prev, evt.next = nil, nil
	return nil
}

// NumEvents returns the number of events currently scheduled.
func (q *Queue) NumEvents() uint { return q.numEvents }

// NextWakeup returns how long to wait before the soonest event is due,
// clamped to zero if it is already due, and false if the queue is
// empty.
func (q *Queue) NextWakeup() (time.Duration, bool) {
	evt := q.Peek()
	if evt == nil {
		return 0, false
	}
	d := evt.When.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}
