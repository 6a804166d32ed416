package http11

import (
	"os"
	"strconv"

	"github.com/shockwave-io/shockwave/pkg/shockwave/buf"
	"github.com/shockwave-io/shockwave/pkg/shockwave/urlutil"
)

// Result is the status a Parser hands back to its caller (the connection's
// read handler) after every byte or chunk fed to it. The caller drives the
// parser from whatever bytes the reactor just read off the socket; the
// parser never blocks or reads for itself.
type Result int

const (
	// Continue means the parser consumed everything it was given and
	// needs more bytes before it can make progress. The caller should
	// return to waiting on the multiplexer for more readability.
	Continue Result = iota
	// Complete means a full request (request line, headers, and body if
	// any) has been parsed and is ready to be queued for dispatch.
	Complete
	// HandleAndContinue means a full request is ready AND the input
	// already contains the start of a pipelined next request; the
	// caller should queue this request and immediately feed the parser
	// the unconsumed remainder rather than waiting on the reactor again.
	HandleAndContinue
	// BadRequest means the input violates the request grammar or one of
	// the smuggling/DoS bounds below; the connection should respond 400
	// and close.
	BadRequest
	// HostNotFound means the request parsed cleanly but no configured
	// virtual host matches its Host header. This is returned by the
	// server's vhost resolution step, not the byte-level parser itself,
	// but shares this result type so callers switch on one enum.
	HostNotFound
	// PayloadLarge means the request body exceeds the configured
	// maximum and must be rejected with 413 before the rest of the body
	// is read off the wire.
	PayloadLarge
	// OutOfMemory means a buffer or temp-file allocation needed to
	// continue parsing failed; the connection should respond 500 and
	// close.
	OutOfMemory
	// Error is a catch-all for I/O failures encountered while spooling
	// the payload to disk.
	Error
)

type parserState uint8

const (
	stateMethod parserState = iota
	stateTargetStart
	stateTarget
	stateVersion
	stateRequestLineCR
	stateRequestLineLF
	stateHeaderNameStart
	stateHeaderName
	stateHeaderColon
	stateHeaderOWS
	stateHeaderValue
	stateHeaderValueCR
	stateHeaderLineLF
	stateHeadersEndCR
	statePayload
	stateDone
)

// Parser is the byte-at-a-time HTTP/1.1 request state machine: method,
// request-target, version, CRLF, then a header-name/OWS/header-value loop
// terminated by an empty line, followed by a payload phase sized by
// Content-Length. It holds no reference to a socket or net.Conn — bytes
// are pushed in by the caller via FeedChunk as they arrive from the
// reactor, which is what lets one connection's parse state survive across
// many non-blocking partial reads.
type Parser struct {
	state parserState
	req   *Request

	methodBuf  buf.Bufd
	targetBuf  buf.Bufd
	versionBuf buf.Bufd
	nameBuf    buf.Bufd
	valueBuf   buf.Bufd

	requestLineLen int
	headersLen     int

	hasHost             bool
	hasContentLength    bool
	hasTransferEncoding bool
	contentLength       int64

	bodyRemaining int64
	maxBodySize   int64
	tmpDir        string
	payloadFile   *os.File
	payloadPath   string
}

// NewParser creates a Parser ready for Reset.
func NewParser() *Parser {
	return &Parser{}
}

// Reset prepares the parser to read a new request into req, enforcing
// maxBodySize on the payload phase and spooling any payload under tmpDir.
func (p *Parser) Reset(req *Request, maxBodySize int64, tmpDir string) {
	p.state = stateMethod
	p.req = req
	p.methodBuf.Reset()
	p.targetBuf.Reset()
	p.versionBuf.Reset()
	p.nameBuf.Reset()
	p.valueBuf.Reset()
	p.requestLineLen = 0
	p.headersLen = 0
	p.hasHost = false
	p.hasContentLength = false
	p.hasTransferEncoding = false
	p.contentLength = 0
	p.bodyRemaining = 0
	p.maxBodySize = maxBodySize
	p.tmpDir = tmpDir
	p.payloadFile = nil
	p.payloadPath = ""
}

// FeedChunk drives the state machine over data, returning how many bytes
// were consumed and the result of doing so. On Complete/HandleAndContinue
// the caller owns any unconsumed suffix of data (a pipelined next request)
// and should feed it to a freshly Reset parser. On BadRequest/PayloadLarge/
// OutOfMemory/Error the connection must stop trusting this byte stream.
func (p *Parser) FeedChunk(data []byte) (consumed int, result Result) {
	i := 0
	for i < len(data) {
		if p.state == statePayload {
			n, res := p.feedPayload(data[i:])
			i += n
			if res != Continue {
				return i, res
			}
			continue
		}

		res := p.feedByte(data[i])
		i++
		if res != Continue {
			if res == Complete && i < len(data) {
				return i, HandleAndContinue
			}
			return i, res
		}
	}
	return i, Continue
}

func (p *Parser) feedByte(b byte) Result {
	switch p.state {
	case stateMethod:
		if b == ' ' {
			if p.methodBuf.Len() == 0 {
				return BadRequest
			}
			mid := ParseMethodID(p.methodBuf.Bytes())
			if mid == MethodUnknown || !IsRecognizedMethod(mid) {
				return BadRequest
			}
			p.req.MethodID = mid
			p.req.methodBytes = append([]byte(nil), p.methodBuf.Bytes()...)
			p.state = stateTargetStart
			return p.countRequestLine(1)
		}
		if !isTokenChar(b) {
			return BadRequest
		}
		if p.methodBuf.Len() >= 16 {
			return BadRequest
		}
		p.methodBuf.Push(b)
		return p.countRequestLine(1)

	case stateTargetStart:
		if b == ' ' {
			return BadRequest
		}
		p.state = stateTarget
		fallthrough

	case stateTarget:
		if b == ' ' {
			if p.targetBuf.Len() == 0 {
				return BadRequest
			}
			if res := p.finishTarget(); res != Continue {
				return res
			}
			p.state = stateVersion
			return p.countRequestLine(1)
		}
		if b == '\r' || b == '\n' {
			return BadRequest
		}
		if p.targetBuf.Len() >= MaxURILength {
			return BadRequest
		}
		p.targetBuf.Push(b)
		return p.countRequestLine(1)

	case stateVersion:
		if b == '\r' {
			if !bytesEqual(p.versionBuf.Bytes(), http11Bytes) {
				return BadRequest
			}
			p.req.Proto = http11Proto
			p.req.ProtoMajor = ProtoHTTP11Major
			p.req.ProtoMinor = ProtoHTTP11Minor
			p.state = stateRequestLineLF
			return p.countRequestLine(1)
		}
		if p.versionBuf.Len() >= len(http11Bytes) {
			return BadRequest
		}
		p.versionBuf.Push(b)
		return p.countRequestLine(1)

	case stateRequestLineLF:
		if b != '\n' {
			return BadRequest
		}
		p.state = stateHeaderNameStart
		return Continue

	case stateHeaderNameStart:
		if b == '\r' {
			p.state = stateHeadersEndCR
			return Continue
		}
		p.state = stateHeaderName
		fallthrough

	case stateHeaderName:
		if b == ':' {
			if p.nameBuf.Len() == 0 {
				return BadRequest
			}
			p.state = stateHeaderOWS
			return p.countHeaders(1)
		}
		if b == '\r' || b == '\n' {
			return BadRequest
		}
		if p.nameBuf.Len() >= MaxHeaderName+1 {
			return BadRequest
		}
		p.nameBuf.Push(b)
		return p.countHeaders(1)

	case stateHeaderOWS:
		if b == ' ' || b == '\t' {
			return p.countHeaders(1)
		}
		p.state = stateHeaderValue
		fallthrough

	case stateHeaderValue:
		if b == '\r' {
			p.state = stateHeaderValueCR
			return p.finishHeader()
		}
		if b == '\n' {
			return BadRequest
		}
		if p.valueBuf.Len() >= MaxHeaderValue+1 {
			return BadRequest
		}
		p.valueBuf.Push(b)
		return p.countHeaders(1)

	case stateHeaderValueCR:
		if b != '\n' {
			return BadRequest
		}
		p.state = stateHeaderNameStart
		return Continue

	case stateHeadersEndCR:
		if b != '\n' {
			return BadRequest
		}
		return p.finishHeaders()

	default:
		return BadRequest
	}
}

// finishHeader is called on the CR that ends a header line, before the
// state machine advances, so it can validate and store the (name, value)
// pair and reset the two token accumulators for the next header.
func (p *Parser) finishHeader() Result {
	name := trimOWS(p.nameBuf.Bytes())
	value := trimOWS(p.valueBuf.Bytes())

	res := p.processSpecialHeader(name, value)
	defer func() {
		p.nameBuf.Reset()
		p.valueBuf.Reset()
	}()
	if res != Continue {
		return res
	}

	if err := p.req.Header.Add(name, value); err != nil {
		return BadRequest
	}
	return Continue
}

// processSpecialHeader applies the smuggling-defense rules that need to
// see every occurrence of a header, not just store the last one: Host,
// Content-Length, and Transfer-Encoding are all checked before being
// handed to Header.Add.
func (p *Parser) processSpecialHeader(name, value []byte) Result {
	switch {
	case bytesEqualFold(name, headerHost):
		if p.hasHost {
			return BadRequest
		}
		p.hasHost = true

	case bytesEqualFold(name, headerContentLength):
		// Any second Content-Length header is rejected outright,
		// regardless of whether its value matches the first — RFC 7230
		// §3.3.3 treats a duplicated Content-Length as an attacker
		// signal, not a value to reconcile.
		if p.hasContentLength {
			return BadRequest
		}
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return BadRequest
		}
		p.hasContentLength = true
		p.contentLength = n

	case bytesEqualFold(name, headerTransferEncoding):
		// Inbound Transfer-Encoding is rejected outright rather than
		// decoded: accepting a smuggled chunked body from a client is
		// the request-smuggling vector this engine closes off.
		p.hasTransferEncoding = true
		return BadRequest
	}

	if p.hasContentLength && p.hasTransferEncoding {
		return BadRequest
	}
	return Continue
}

// finishTarget splits the accumulated request-target into decoded path
// and query, applying the traversal guard to the path.
func (p *Parser) finishTarget() Result {
	raw := p.targetBuf.Bytes()
	if len(raw) == 1 && raw[0] == '*' {
		p.req.pathBytes = []byte("*")
		return Continue
	}
	if raw[0] != '/' {
		return BadRequest
	}

	var rawPath, rawQuery []byte
	if idx := indexByte(raw, '?'); idx >= 0 {
		rawPath = raw[:idx]
		rawQuery = raw[idx+1:]
	} else {
		rawPath = raw
	}

	decoded := urlutil.DecodePath(string(rawPath))
	cleaned, err := urlutil.CleanPath(decoded)
	if err != nil {
		return BadRequest
	}

	p.req.pathBytes = []byte(cleaned)
	p.req.queryBytes = append([]byte(nil), rawQuery...)
	if len(rawQuery) > 0 {
		p.req.QueryParams = urlutil.ParseQuery(string(rawQuery))
	}
	return Continue
}

func (p *Parser) finishHeaders() Result {
	if !p.hasHost {
		return BadRequest
	}

	if cookie := p.req.Header.Get(headerCookie); cookie != nil {
		p.req.Cookies = urlutil.ParseCookies(string(cookie))
	}

	conn := p.req.Header.GetString(headerConnection)
	p.req.Close = bytesEqualFoldString(conn, "close")

	if p.hasContentLength && p.contentLength > 0 {
		if p.maxBodySize > 0 && p.contentLength > p.maxBodySize {
			return PayloadLarge
		}
		p.req.ContentLength = p.contentLength
		p.bodyRemaining = p.contentLength
		f, err := os.CreateTemp(p.tmpDir, "shockwave-body-*")
		if err != nil {
			return OutOfMemory
		}
		p.payloadFile = f
		p.payloadPath = f.Name()
		p.state = statePayload
		return Continue
	}

	p.req.ContentLength = 0
	p.finalizePayload(PayloadNone, "", 0, "")
	p.state = stateDone
	return Complete
}

func (p *Parser) feedPayload(data []byte) (consumed int, result Result) {
	n := len(data)
	if int64(n) > p.bodyRemaining {
		n = int(p.bodyRemaining)
	}
	if n > 0 {
		if _, err := p.payloadFile.Write(data[:n]); err != nil {
			p.payloadFile.Close()
			return n, Error
		}
		p.bodyRemaining -= int64(n)
	}
	if p.bodyRemaining > 0 {
		return n, Continue
	}

	p.payloadFile.Close()
	ctype := p.req.Header.GetString(headerContentType)
	ptype, boundary := classifyPayload(ctype)
	p.finalizePayload(ptype, p.payloadPath, p.req.ContentLength, boundary)
	p.state = stateDone
	return n, Complete
}

func (p *Parser) finalizePayload(t PayloadType, path string, size int64, boundary string) {
	p.req.Payload = Payload{Type: t, Path: path, Size: size, Boundary: boundary}
}

func (p *Parser) countRequestLine(n int) Result {
	p.requestLineLen += n
	if p.requestLineLen > MaxRequestLineSize {
		return BadRequest
	}
	return Continue
}

func (p *Parser) countHeaders(n int) Result {
	p.headersLen += n
	if p.headersLen > MaxHeadersSize {
		return BadRequest
	}
	return Continue
}

func isTokenChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func trimOWS(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\t') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func bytesEqualFold(a, b []byte) bool {
	return bytesEqualCaseInsensitive(a, b)
}

func bytesEqualFoldString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if toLower(a[i]) != toLower(b[i]) {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
