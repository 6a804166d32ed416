package http11

import (
	"testing"
	"unsafe"
)

// TestHeaderSize verifies Header itself stays a thin, single-slice-header
// value (24 bytes on 64-bit: pointer + len + cap) rather than inlining
// per-header storage, which is what keeps a pooled, zeroed Header cheap
// to hand out regardless of MaxHeaders.
func TestHeaderSize(t *testing.T) {
	var h Header
	size := unsafe.Sizeof(h)

	t.Logf("Header struct size: %d bytes", size)

	if size > 32 {
		t.Errorf("Header size %d is larger than expected for a slice header, want <= 32", size)
	}
}
