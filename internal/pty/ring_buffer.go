package pty

import "unicode/utf8"

// DefaultBufferChars is the replay budget used when none is configured.
const DefaultBufferChars = 65536

// Entry is one output chunk retained for replay.
type Entry struct {
	Seq  uint64
	Data string
}

type bufferedEntry struct {
	Entry
	chars int
}

// RingBuffer keeps the most recent output chunks, oldest first, bounded by a
// total character budget. Whole chunks are evicted from the front; retained
// sequence numbers are always contiguous.
//
// RingBuffer is not safe for concurrent use; Session guards it with its own
// mutex.
type RingBuffer struct {
	entries  []bufferedEntry
	head     int // index of the oldest retained entry
	chars    int
	maxChars int
	seq      uint64
}

// NewRingBuffer returns an empty buffer holding at most maxChars characters.
func NewRingBuffer(maxChars int) *RingBuffer {
	if maxChars <= 0 {
		maxChars = DefaultBufferChars
	}
	return &RingBuffer{maxChars: maxChars}
}

// Append stores chunk under the next sequence number and returns it. Oldest
// entries are dropped while the total exceeds the budget.
func (rb *RingBuffer) Append(chunk string) uint64 {
	rb.seq++
	n := utf8.RuneCountInString(chunk)
	rb.entries = append(rb.entries, bufferedEntry{Entry: Entry{Seq: rb.seq, Data: chunk}, chars: n})
	rb.chars += n

	for rb.chars > rb.maxChars && rb.head < len(rb.entries) {
		rb.chars -= rb.entries[rb.head].chars
		rb.entries[rb.head] = bufferedEntry{}
		rb.head++
	}
	rb.compact()
	return rb.seq
}

// compact reclaims the evicted prefix once it dominates the backing slice.
func (rb *RingBuffer) compact() {
	if rb.head == 0 || rb.head < len(rb.entries)/2 {
		return
	}
	live := copy(rb.entries, rb.entries[rb.head:])
	for i := live; i < len(rb.entries); i++ {
		rb.entries[i] = bufferedEntry{}
	}
	rb.entries = rb.entries[:live]
	rb.head = 0
}

// ReplaySince returns the retained entries with Seq > lastSeq in increasing
// order. Entries already evicted are silently absent.
func (rb *RingBuffer) ReplaySince(lastSeq uint64) []Entry {
	retained := rb.entries[rb.head:]
	if len(retained) == 0 || lastSeq >= rb.seq {
		return nil
	}

	start := 0
	if oldest := retained[0].Seq; lastSeq >= oldest {
		start = int(lastSeq - oldest + 1)
	}

	out := make([]Entry, 0, len(retained)-start)
	for _, e := range retained[start:] {
		out = append(out, e.Entry)
	}
	return out
}

// CurrentSeq returns the last assigned sequence number, 0 before any append.
func (rb *RingBuffer) CurrentSeq() uint64 {
	return rb.seq
}

// OldestSeq returns the sequence of the oldest retained entry, 0 when empty.
func (rb *RingBuffer) OldestSeq() uint64 {
	if rb.head >= len(rb.entries) {
		return 0
	}
	return rb.entries[rb.head].Seq
}

// Len returns the number of retained entries.
func (rb *RingBuffer) Len() int {
	return len(rb.entries) - rb.head
}

// Chars returns the number of characters currently retained.
func (rb *RingBuffer) Chars() int {
	return rb.chars
}
