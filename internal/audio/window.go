package audio

// Windower slices a continuous sample stream into fixed-size chunks with
// strictly increasing sequence numbers. It is not safe for concurrent use.
type Windower struct {
	size    int
	pending []float32
	next    uint64
}

func NewWindower(size int) *Windower {
	if size <= 0 {
		size = 1
	}
	return &Windower{size: size, pending: make([]float32, 0, size)}
}

// Size is the number of samples in every emitted chunk.
func (w *Windower) Size() int {
	return w.size
}

// Pending is the number of buffered samples not yet emitted.
func (w *Windower) Pending() int {
	return len(w.pending)
}

// Push buffers samples and returns every full window now available.
func (w *Windower) Push(samples []float32) []Chunk {
	var out []Chunk
	for len(samples) > 0 {
		room := w.size - len(w.pending)
		take := room
		if take > len(samples) {
			take = len(samples)
		}
		w.pending = append(w.pending, samples[:take]...)
		samples = samples[take:]
		if len(w.pending) == w.size {
			out = append(out, w.emit(0))
		}
	}
	return out
}

// Flush zero-pads a partial window into a final chunk. It reports false when
// nothing is buffered.
func (w *Windower) Flush() (Chunk, bool) {
	if len(w.pending) == 0 {
		return Chunk{}, false
	}
	padded := w.size - len(w.pending)
	for len(w.pending) < w.size {
		w.pending = append(w.pending, 0)
	}
	return w.emit(padded), true
}

func (w *Windower) emit(padded int) Chunk {
	samples := make([]float32, w.size)
	copy(samples, w.pending)
	w.pending = w.pending[:0]
	c := Chunk{Seq: w.next, Samples: samples, Padded: padded}
	w.next++
	return c
}
