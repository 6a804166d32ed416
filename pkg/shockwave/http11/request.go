package http11

import (
	"mime/multipart"
	"net/url"
	"os"
	"strings"

	"github.com/shockwave-io/shockwave/pkg/shockwave/urlutil"
)

// PayloadType classifies how a request's spooled body should be
// interpreted once it has been fully written to disk.
type PayloadType uint8

const (
	PayloadNone PayloadType = iota
	PayloadPlain
	PayloadMultipart
	PayloadURLEncoded
)

// Payload describes a request body that has been spooled to a temp file
// rather than held in memory, per the streaming parser's design: path is
// the spool file's location (caller/handler is responsible for removing
// it once done), size is the declared Content-Length, and Boundary is
// set only for PayloadMultipart.
type Payload struct {
	Type     PayloadType
	Path     string
	Size     int64
	Boundary string
}

// Open returns a reader positioned at the start of the spooled body.
// The caller must Close it.
func (p Payload) Open() (*os.File, error) {
	return os.Open(p.Path)
}

// Parts returns a multipart.Reader over the spooled body when Type is
// PayloadMultipart, using the standard library's MIME reader — there is
// no ecosystem replacement for multipart part-splitting worth adopting
// over mime/multipart, which is what every Go HTTP stack (including
// fasthttp) delegates to for this.
func (p Payload) Parts() (*multipart.Reader, func() error, error) {
	f, err := p.Open()
	if err != nil {
		return nil, nil, err
	}
	return multipart.NewReader(f, p.Boundary), f.Close, nil
}

// classifyPayload inspects a Content-Type header value and returns the
// PayloadType plus multipart boundary (if any) the parser should record
// once the body finishes spooling.
func classifyPayload(contentType string) (PayloadType, string) {
	if contentType == "" {
		return PayloadPlain, ""
	}
	mediaType := contentType
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		mediaType = contentType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "multipart/form-data":
		boundary := ""
		if idx := strings.Index(contentType, "boundary="); idx >= 0 {
			boundary = strings.Trim(contentType[idx+len("boundary="):], `" `)
			if semi := strings.IndexByte(boundary, ';'); semi >= 0 {
				boundary = boundary[:semi]
			}
		}
		return PayloadMultipart, boundary
	case "application/x-www-form-urlencoded":
		return PayloadURLEncoded, ""
	default:
		return PayloadPlain, ""
	}
}

// Request represents an HTTP/1.1 request as the streaming parser builds
// it: method, version, request-target (decoded path + query), an ordered
// case-insensitive header list, cookies, and — once the body has been
// fully received — a Payload describing where it was spooled to disk.
//
// methodBytes/pathBytes/queryBytes are owned copies (the byte-at-a-time
// parser has no single backing buffer to slice into), so unlike a
// bulk-read parser they remain valid after Reset is called on other
// fields, but callers should still not retain them past the request's
// return to the pool.
type Request struct {
	// Method as numeric ID for O(1) switching
	// Use MethodString() to get the string representation
	MethodID uint8

	methodBytes []byte // e.g., "GET"
	pathBytes   []byte // e.g., "/api/users" (percent-decoded, traversal-checked)
	queryBytes  []byte // e.g., "id=123&name=foo" (without '?', still encoded)
	protoBytes  []byte // e.g., "HTTP/1.1"

	// Parsed URL (lazy allocation)
	// Only allocated if ParsedURL() is called
	// Use PathBytes() to avoid this allocation
	pathParsed *url.URL

	// Headers (ordered slice storage, see header.go)
	Header Header

	// QueryParams is the decoded, ordered list of query parameters.
	QueryParams urlutil.ParamList

	// Cookies is the decoded, ordered list of cookies from the Cookie
	// header, first-match-wins on lookup.
	Cookies urlutil.ParamList

	// Payload describes the request body once fully received. Type is
	// PayloadNone until the parser reaches Complete.
	Payload Payload

	// Protocol information
	Proto      string // Always "HTTP/1.1" for this engine
	ProtoMajor int    // Always 1
	ProtoMinor int    // Always 1

	// Content information
	ContentLength int64 // declared Content-Length; 0 when the request has none

	// Connection control
	// true if a "Connection: close" header is present. The parser accepts
	// only HTTP/1.1 request lines, so no HTTP/1.0 default is applied.
	Close bool

	// RemoteAddr is the network address of the client
	RemoteAddr string
}

// Method returns the HTTP method as a string.
// Uses pre-compiled constants for zero allocations.
//
// Allocation behavior: 0 allocs/op
func (r *Request) Method() string {
	return MethodString(r.MethodID)
}

// MethodBytes returns the HTTP method as a byte slice.
// This returns the Request's own slice without copying.
// WARNING: Only valid during request lifetime.
//
// Allocation behavior: 0 allocs/op
func (r *Request) MethodBytes() []byte {
	return r.methodBytes
}

// Path returns the request path as a string.
// This allocates a string from the byte slice.
// For zero-allocation access, use PathBytes().
//
// Allocation behavior: 1 alloc/op
func (r *Request) Path() string {
	return string(r.pathBytes)
}

// PathBytes returns the request path as a byte slice.
// This returns the Request's own slice without copying.
// WARNING: Only valid during request lifetime.
//
// Allocation behavior: 0 allocs/op
func (r *Request) PathBytes() []byte {
	return r.pathBytes
}

// Query returns the query string as a string.
// This allocates a string from the byte slice.
// For zero-allocation access, use QueryBytes().
//
// Allocation behavior: 1 alloc/op
func (r *Request) Query() string {
	return string(r.queryBytes)
}

// QueryBytes returns the query string as a byte slice (without the '?').
// This returns the Request's own slice without copying.
// WARNING: Only valid during request lifetime.
//
// Allocation behavior: 0 allocs/op
func (r *Request) QueryBytes() []byte {
	return r.queryBytes
}

// ParsedURL returns the parsed URL.
// This is lazily allocated only when called.
// The result is cached for subsequent calls.
//
// Use PathBytes() or QueryBytes() if you don't need URL parsing
// to avoid this allocation.
//
// Allocation behavior: Multiple allocs/op on first call, 0 on subsequent
func (r *Request) ParsedURL() (*url.URL, error) {
	if r.pathParsed == nil {
		// Build full URL string for parsing
		// Format: path?query
		var urlStr string
		if len(r.queryBytes) > 0 {
			urlStr = string(r.pathBytes) + "?" + string(r.queryBytes)
		} else {
			urlStr = string(r.pathBytes)
		}

		var err error
		r.pathParsed, err = url.Parse(urlStr)
		if err != nil {
			return nil, err
		}
	}
	return r.pathParsed, nil
}

// GetHeader retrieves a header value by name (case-insensitive).
// Returns nil if not found.
//
// Allocation behavior: 0 allocs/op
func (r *Request) GetHeader(name []byte) []byte {
	return r.Header.Get(name)
}

// GetHeaderString retrieves a header value as a string (case-insensitive).
// Returns empty string if not found.
//
// Allocation behavior: 1 alloc/op (string conversion)
func (r *Request) GetHeaderString(name string) string {
	return r.Header.GetString([]byte(name))
}

// HasHeader checks if a header exists (case-insensitive).
//
// Allocation behavior: 0 allocs/op
func (r *Request) HasHeader(name []byte) bool {
	return r.Header.Has(name)
}

// IsGET returns true if the request method is GET.
// Allocation behavior: 0 allocs/op
func (r *Request) IsGET() bool {
	return r.MethodID == MethodGET
}

// IsPOST returns true if the request method is POST.
// Allocation behavior: 0 allocs/op
func (r *Request) IsPOST() bool {
	return r.MethodID == MethodPOST
}

// IsPUT returns true if the request method is PUT.
// Allocation behavior: 0 allocs/op
func (r *Request) IsPUT() bool {
	return r.MethodID == MethodPUT
}

// IsDELETE returns true if the request method is DELETE.
// Allocation behavior: 0 allocs/op
func (r *Request) IsDELETE() bool {
	return r.MethodID == MethodDELETE
}

// IsPATCH returns true if the request method is PATCH.
// Allocation behavior: 0 allocs/op
func (r *Request) IsPATCH() bool {
	return r.MethodID == MethodPATCH
}

// IsHEAD returns true if the request method is HEAD.
// Allocation behavior: 0 allocs/op
func (r *Request) IsHEAD() bool {
	return r.MethodID == MethodHEAD
}

// IsOPTIONS returns true if the request method is OPTIONS.
// Allocation behavior: 0 allocs/op
func (r *Request) IsOPTIONS() bool {
	return r.MethodID == MethodOPTIONS
}

// HasBody returns true if the request has a body. Inbound
// Transfer-Encoding is rejected at parse time (see parser.go), so
// Content-Length is the only signal of a body.
//
// Allocation behavior: 0 allocs/op
func (r *Request) HasBody() bool {
	return r.ContentLength > 0
}

// ShouldClose returns true if the connection should be closed after this request.
//
// Allocation behavior: 0 allocs/op
func (r *Request) ShouldClose() bool {
	return r.Close
}

// Reset clears the request for reuse (when returning to pool).
// All fields are reset to zero values.
// This enables efficient object pooling.
//
// Allocation behavior: 0 allocs/op
func (r *Request) Reset() {
	r.MethodID = 0
	r.methodBytes = nil
	r.pathBytes = nil
	r.queryBytes = nil
	r.protoBytes = nil
	r.pathParsed = nil
	r.Header.Reset()
	r.QueryParams = nil
	r.Cookies = nil
	r.Payload = Payload{}
	r.Proto = ""
	r.ProtoMajor = 0
	r.ProtoMinor = 0
	r.ContentLength = 0
	r.Close = false
	r.RemoteAddr = ""
}

// Clone creates a shallow copy of the request.
// This is useful when you need to store the request beyond its lifetime.
//
// IMPORTANT: This performs string conversions for path/query to ensure
// they remain valid after the original buffer is reused.
//
// The Payload is copied by value — it names a spool file on disk, not an
// in-memory body, so cloning the Request does not duplicate body bytes.
//
// Allocation behavior: Multiple allocations (strings, url.URL, etc.)
func (r *Request) Clone() *Request {
	clone := &Request{
		MethodID:      r.MethodID,
		methodBytes:   []byte(r.Method()), // Allocate new slice with string data
		pathBytes:     []byte(r.Path()),   // Allocate new slice
		queryBytes:    []byte(r.Query()),  // Allocate new slice
		protoBytes:    []byte(r.Proto),    // Allocate new slice
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		ContentLength: r.ContentLength,
		QueryParams:   append(urlutil.ParamList(nil), r.QueryParams...),
		Cookies:       append(urlutil.ParamList(nil), r.Cookies...),
		Payload:       r.Payload,
		Close:         r.Close,
		RemoteAddr:    r.RemoteAddr,
	}

	// Clone headers (this will allocate)
	r.Header.VisitAll(func(name, value []byte) bool {
		clone.Header.Add(name, value)
		return true
	})

	// Clone parsed URL if present
	if r.pathParsed != nil {
		parsed, _ := r.ParsedURL()
		if parsed != nil {
			clone.pathParsed = &url.URL{
				Scheme:   parsed.Scheme,
				Host:     parsed.Host,
				Path:     parsed.Path,
				RawQuery: parsed.RawQuery,
			}
		}
	}

	return clone
}
