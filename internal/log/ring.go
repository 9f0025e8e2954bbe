package log

import "sync"

// DefaultRingSize is the number of diagnostic entries kept when no size is
// configured.
const DefaultRingSize = 200

// Ring is a bounded diagnostic buffer. Entries reads newest first; once full,
// the oldest entry is overwritten.
type Ring struct {
	mu    sync.Mutex
	buf   []Entry
	next  int
	count int
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) Write(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Entries returns a copy of the buffered entries, newest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.count = 0
	for i := range r.buf {
		r.buf[i] = Entry{}
	}
}
