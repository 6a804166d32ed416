package buf

// StaticSize is the size of Bufd's inline array, sized for the common
// case of a parser token (a header name, a chunk-size line, a URL
// segment) that never spills to the heap. Grounded on
// bufferdata_t's BUFFERDATA_SIZE static array.
const StaticSize = 256

// Bufd is an append-only byte accumulator that starts in a fixed-size
// inline array and transparently spills to a heap slice once it
// outgrows it, mirroring bufferdata_t's static/dynamic duality. Unlike
// Buf it has no read cursor: it exists purely to accumulate bytes
// one-at-a-time (as the byte-at-a-time HTTP parser does for header
// names/values/tokens) and then hand the result to the caller.
type Bufd struct {
	static   [StaticSize]byte
	dynamic  []byte
	offset   int // bytes written, static or dynamic depending on spilled
	spilled  bool
}

// Push appends a single byte, spilling to a dynamic slice the moment
// the static array fills, exactly as bufferdata_push does.
func (b *Bufd) Push(c byte) {
	if !b.spilled {
		if b.offset < StaticSize {
			b.static[b.offset] = c
			b.offset++
			return
		}
		b.spill()
	}
	b.dynamic = append(b.dynamic, c)
	b.offset++
}

// Write implements io.Writer by pushing each byte; used so Bufd can be
// a destination for io.Copy-style helpers in the parser.
func (b *Bufd) Write(p []byte) (int, error) {
	for _, c := range p {
		b.Push(c)
	}
	return len(p), nil
}

func (b *Bufd) spill() {
	b.dynamic = make([]byte, b.offset, b.offset*4)
	copy(b.dynamic, b.static[:b.offset])
	b.spilled = true
}

// Bytes returns the accumulated bytes. The returned slice is only
// valid until the next Reset.
func (b *Bufd) Bytes() []byte {
	if b.spilled {
		return b.dynamic
	}
	return b.static[:b.offset]
}

// Len returns the number of bytes written so far.
func (b *Bufd) Len() int { return b.offset }

// Reset empties the accumulator without releasing the dynamic buffer,
// matching bufferdata_reset's reuse-friendly behavior.
func (b *Bufd) Reset() {
	b.offset = 0
	b.spilled = false
}

// Clear empties the accumulator and releases the dynamic buffer,
// matching bufferdata_clear.
func (b *Bufd) Clear() {
	b.Reset()
	b.dynamic = nil
}

// String returns the accumulated bytes as a string (one allocation).
func (b *Bufd) String() string {
	return string(b.Bytes())
}
