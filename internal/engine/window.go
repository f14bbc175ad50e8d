package engine

import "rsu-history/internal/models"

// window is a fixed-capacity ring of matches. Once full, each push evicts
// the oldest entry.
type window struct {
	buf   []models.Match
	start int
	n     int
}

func newWindow(capacity int) *window {
	return &window{buf: make([]models.Match, capacity)}
}

func (w *window) push(m models.Match) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = m
		w.n++
		return
	}
	w.buf[w.start] = m
	w.start = (w.start + 1) % len(w.buf)
}

func (w *window) full() bool { return w.n == len(w.buf) }

// snapshot returns the contents oldest first
func (w *window) snapshot() []models.Match {
	out := make([]models.Match, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}
