package http11

// Header is the ordered, case-insensitive header list the data model
// calls for: "ordered list of headers (case-insensitive lookup)".
//
// Names and values could be packed into fixed [32][64]byte / [32][128]byte
// inline arrays to avoid heap allocation, but that shape doesn't generalize
// to limits of name ≤256, value ≤8192, up to 30 headers: inlining arrays at
// those sizes would cost ~250KB per pooled Header regardless of how many
// headers a request actually has. Instead headers are stored as a small
// ordered slice of name/value pairs (field), so the common case still
// allocates once and gets reused via the object pool; a case-insensitive
// linear scan is cheap enough for N≤30.
type field struct {
	name  []byte
	value []byte
}

type Header struct {
	fields []field
}

// Add adds a header, copying name and value into private storage.
// Returns ErrHeaderTooLarge if the limits in constants.go are exceeded,
// ErrInvalidHeader if name or value contains a CR or LF byte (RFC 7230
// §3.2 field values MUST NOT contain control characters; rejecting
// embedded CRLF here is what prevents response/request splitting).
func (h *Header) Add(name, value []byte) error {
	if len(name) > MaxHeaderName || len(value) > MaxHeaderValue {
		return ErrHeaderTooLarge
	}
	if len(h.fields) >= MaxHeaders {
		return ErrTooManyHeaders
	}
	if hasCRLF(name) || hasCRLF(value) {
		return ErrInvalidHeader
	}
	h.fields = append(h.fields, field{name: append([]byte(nil), name...), value: append([]byte(nil), value...)})
	return nil
}

func hasCRLF(b []byte) bool {
	for _, c := range b {
		if c == '\r' || c == '\n' {
			return true
		}
	}
	return false
}

// Get retrieves the first header value matching name (case-insensitive).
// Returns nil if not found. The returned slice is valid until Reset.
func (h *Header) Get(name []byte) []byte {
	for i := range h.fields {
		if bytesEqualCaseInsensitive(h.fields[i].name, name) {
			return h.fields[i].value
		}
	}
	return nil
}

// GetString is Get with the result converted to a string (one alloc).
func (h *Header) GetString(name []byte) string {
	v := h.Get(name)
	if v == nil {
		return ""
	}
	return string(v)
}

// Has reports whether a header with the given name exists.
func (h *Header) Has(name []byte) bool {
	for i := range h.fields {
		if bytesEqualCaseInsensitive(h.fields[i].name, name) {
			return true
		}
	}
	return false
}

// Set replaces the first existing header with this name, or adds it if
// absent.
func (h *Header) Set(name, value []byte) error {
	if len(name) > MaxHeaderName || len(value) > MaxHeaderValue {
		return ErrHeaderTooLarge
	}
	if hasCRLF(name) || hasCRLF(value) {
		return ErrInvalidHeader
	}
	for i := range h.fields {
		if bytesEqualCaseInsensitive(h.fields[i].name, name) {
			h.fields[i].value = append(h.fields[i].value[:0], value...)
			return nil
		}
	}
	return h.Add(name, value)
}

// Del removes the first header matching name, if present.
func (h *Header) Del(name []byte) {
	for i := range h.fields {
		if bytesEqualCaseInsensitive(h.fields[i].name, name) {
			h.fields = append(h.fields[:i], h.fields[i+1:]...)
			return
		}
	}
}

// Len returns the number of headers currently stored.
func (h *Header) Len() int { return len(h.fields) }

// Reset empties the header list, keeping the backing array for reuse
// by the next request drawn from the pool.
func (h *Header) Reset() {
	h.fields = h.fields[:0]
}

// VisitAll calls visitor for each header in insertion order, stopping
// early if visitor returns false.
func (h *Header) VisitAll(visitor func(name, value []byte) bool) {
	for i := range h.fields {
		if !visitor(h.fields[i].name, h.fields[i].value) {
			return
		}
	}
}

// bytesEqualCaseInsensitive compares two byte slices ignoring ASCII case.
func bytesEqualCaseInsensitive(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if toLower(a[i]) != toLower(b[i]) {
			return false
		}
	}
	return true
}

// toLower folds an ASCII uppercase byte to lowercase; others pass through.
func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}
