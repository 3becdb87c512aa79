package hapble

// broadcastQueue is a bounded FIFO of characteristics waiting for the
// broadcast slot. Entries are unique.
type broadcastQueue struct {
	entries []*Characteristic
}

// enqueue appends c. It reports whether c was already queued and
// whether the queue is full.
func (q *broadcastQueue) enqueue(c *Characteristic) (duplicate, full bool) {
	for _, e := range q.entries {
		if e == c {
			return true, false
		}
	}
	if len(q.entries) >= maxQueuedBroadcastEvents {
		return false, true
	}
	q.entries = append(q.entries, c)
	return false, false
}

// pop removes and returns the front entry, or nil.
func (q *broadcastQueue) pop() *Characteristic {
	if len(q.entries) == 0 {
		return nil
	}
	c := q.entries[0]
	q.entries = q.entries[1:]
	return c
}

// remove deletes c, keeping the order of the remaining entries.
func (q *broadcastQueue) remove(c *Characteristic) bool {
	for i, e := range q.entries {
		if e == c {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *broadcastQueue) purge() { q.entries = nil }

func (q *broadcastQueue) len() int { return len(q.entries) }
