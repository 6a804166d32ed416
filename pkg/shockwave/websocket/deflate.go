package websocket

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
)

// deflateTail is the four bytes flate's Flush() appends to a raw deflate
// stream (an empty stored block) that RFC 7692 requires senders to strip
// and receivers to re-append before inflating.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// PMCEParams holds the permessage-deflate (RFC 7692) parameters
// negotiated at handshake time. Window-bits values are advisory to this
// implementation — klauspost/compress/flate doesn't expose a
// configurable window, so they're recorded for the wire negotiation and
// ignored by the codec itself — but no_context_takeover genuinely
// changes behaviour: it forces a fresh compressor/decompressor per
// message instead of carrying dictionary state across messages.
type PMCEParams struct {
	ServerMaxWindowBits    int
	ClientMaxWindowBits    int
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
}

// NegotiatePMCE parses a client's Sec-WebSocket-Extensions header and
// returns the server's chosen parameters if permessage-deflate was
// offered, honoring any of the orderings of server_max_window_bits,
// client_max_window_bits, server_no_context_takeover and
// client_no_context_takeover described in RFC 7692 §7.1.
func NegotiatePMCE(extensionsHeader string) (*PMCEParams, bool) {
	for _, offer := range strings.Split(extensionsHeader, ",") {
		parts := strings.Split(offer, ";")
		name := strings.TrimSpace(parts[0])
		if name != "permessage-deflate" {
			continue
		}
		p := &PMCEParams{ServerMaxWindowBits: 15, ClientMaxWindowBits: 15}
		for _, param := range parts[1:] {
			param = strings.TrimSpace(param)
			key, val, _ := strings.Cut(param, "=")
			key = strings.TrimSpace(key)
			val = strings.Trim(strings.TrimSpace(val), `"`)
			switch key {
			case "server_no_context_takeover":
				p.ServerNoContextTakeover = true
			case "client_no_context_takeover":
				p.ClientNoContextTakeover = true
			case "server_max_window_bits":
				if n, err := strconv.Atoi(val); err == nil && n >= 8 && n <= 15 {
					p.ServerMaxWindowBits = n
				}
			case "client_max_window_bits":
				if val != "" {
					if n, err := strconv.Atoi(val); err == nil && n >= 8 && n <= 15 {
						p.ClientMaxWindowBits = n
					}
				}
			}
		}
		return p, true
	}
	return nil, false
}

// FormatPMCEResponse renders the Sec-WebSocket-Extensions response
// header value for the negotiated parameters.
func FormatPMCEResponse(p *PMCEParams) string {
	var b strings.Builder
	b.WriteString("permessage-deflate")
	if p.ServerNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}
	if p.ClientNoContextTakeover {
		b.WriteString("; client_no_context_takeover")
	}
	if p.ServerMaxWindowBits != 15 {
		b.WriteString("; server_max_window_bits=")
		b.WriteString(strconv.Itoa(p.ServerMaxWindowBits))
	}
	return b.String()
}

// pmceCodec drives per-message compression and decompression for one
// end of a negotiated permessage-deflate connection, sharing
// klauspost/compress/flate with the HTTP response filter chain's gzip
// filter so the engine carries one deflate implementation total.
//
// noContextTakeoverOut/In apply to the direction this codec instance
// compresses (outbound) and decompresses (inbound): a server-side Conn
// uses ServerNoContextTakeover for outbound and ClientNoContextTakeover
// for inbound, and vice versa for a client-side Conn.
type pmceCodec struct {
	noContextTakeoverOut bool
	noContextTakeoverIn  bool

	compressBuf *bytes.Buffer
	compressor  *flate.Writer

	decompressor  io.ReadCloser
	decompressSrc *bytes.Reader
	decompressBuf *bytes.Buffer

	// dict holds up to the last 32KB of inflated output, handed to the
	// decompressor as its window for the next message unless
	// noContextTakeoverIn is set.
	dict []byte
}

func newPMCECodec(params *PMCEParams, isServer bool) *pmceCodec {
	buf := &bytes.Buffer{}
	fw, _ := flate.NewWriter(buf, flate.DefaultCompression)
	c := &pmceCodec{compressBuf: buf, compressor: fw}
	if isServer {
		c.noContextTakeoverOut = params.ServerNoContextTakeover
		c.noContextTakeoverIn = params.ClientNoContextTakeover
	} else {
		c.noContextTakeoverOut = params.ClientNoContextTakeover
		c.noContextTakeoverIn = params.ServerNoContextTakeover
	}
	return c
}

// compress deflates data and strips the trailing 00 00 FF FF marker per
// RFC 7692 §7.2.1. If noContextTakeover is set for this side, the
// compressor is reset after every message so no dictionary state
// carries across messages.
func (c *pmceCodec) compress(data []byte) ([]byte, error) {
	c.compressBuf.Reset()
	if _, err := c.compressor.Write(data); err != nil {
		return nil, err
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, err
	}
	out := c.compressBuf.Bytes()
	out = bytes.TrimSuffix(out, deflateTail)
	result := make([]byte, len(out))
	copy(result, out)

	if c.noContextTakeoverOut {
		c.compressBuf.Reset()
		c.compressor.Reset(c.compressBuf)
	}
	return result, nil
}

// decompress re-appends the stripped trailer and inflates data back to
// the original message bytes.
func (c *pmceCodec) decompress(data []byte) ([]byte, error) {
	if c.decompressSrc == nil {
		c.decompressSrc = bytes.NewReader(nil)
		c.decompressBuf = &bytes.Buffer{}
	}

	// An empty final stored block follows the trailer so the inflater
	// ends with io.EOF rather than io.ErrUnexpectedEOF.
	c.decompressSrc.Reset(append(append(data, deflateTail...), 0x01, 0x00, 0x00, 0xff, 0xff))
	if c.decompressor == nil {
		c.decompressor = flate.NewReaderDict(c.decompressSrc, c.dict)
	} else if r, ok := c.decompressor.(flate.Resetter); ok {
		if err := r.Reset(c.decompressSrc, c.dict); err != nil {
			return nil, err
		}
	}

	c.decompressBuf.Reset()
	if _, err := io.Copy(c.decompressBuf, c.decompressor); err != nil {
		return nil, err
	}

	out := make([]byte, c.decompressBuf.Len())
	copy(out, c.decompressBuf.Bytes())

	if c.noContextTakeoverIn {
		c.decompressor = nil
	} else {
		c.dict = append(c.dict, out...)
		if len(c.dict) > 32768 {
			c.dict = c.dict[len(c.dict)-32768:]
		}
	}
	return out, nil
}
