package http11

import (
	"fmt"
	"testing"
)

func TestHeaderAdd(t *testing.T) {
	var h Header

	err := h.Add([]byte("Content-Type"), []byte("application/json"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}

	val := h.Get([]byte("Content-Type"))
	if string(val) != "application/json" {
		t.Errorf("Get(Content-Type) = %q, want %q", val, "application/json")
	}
}

func TestHeaderAddMultiple(t *testing.T) {
	var h Header

	for i := 0; i < 16; i++ {
		name := []byte(fmt.Sprintf("X-Header-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := h.Add(name, value); err != nil {
			t.Fatalf("Add header %d failed: %v", i, err)
		}
	}

	if h.Len() != 16 {
		t.Errorf("Len() = %d, want 16", h.Len())
	}

	for i := 0; i < 16; i++ {
		name := []byte(fmt.Sprintf("X-Header-%d", i))
		expected := fmt.Sprintf("value-%d", i)
		val := h.Get(name)
		if string(val) != expected {
			t.Errorf("Get(%s) = %q, want %q", name, val, expected)
		}
	}
}

func TestHeaderAddMax(t *testing.T) {
	var h Header

	for i := 0; i < MaxHeaders; i++ {
		name := []byte(fmt.Sprintf("X-Header-%d", i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := h.Add(name, value); err != nil {
			t.Fatalf("Add header %d failed: %v", i, err)
		}
	}

	if h.Len() != MaxHeaders {
		t.Errorf("Len() = %d, want %d", h.Len(), MaxHeaders)
	}

	for i := 0; i < MaxHeaders; i++ {
		name := []byte(fmt.Sprintf("X-Header-%d", i))
		expected := fmt.Sprintf("value-%d", i)
		val := h.Get(name)
		if string(val) != expected {
			t.Errorf("Get(%s) = %q, want %q", name, val, expected)
		}
	}
}

func TestHeaderAddOverLimit(t *testing.T) {
	var h Header

	for i := 0; i < MaxHeaders; i++ {
		name := []byte(fmt.Sprintf("X-Header-%d", i))
		if err := h.Add(name, []byte("value")); err != nil {
			t.Fatalf("Add header %d failed: %v", i, err)
		}
	}

	err := h.Add([]byte("One-Too-Many"), []byte("value"))
	if err != ErrTooManyHeaders {
		t.Errorf("Add beyond MaxHeaders: got %v, want ErrTooManyHeaders", err)
	}

	if h.Len() != MaxHeaders {
		t.Errorf("Len() = %d, want %d (rejected header must not be stored)", h.Len(), MaxHeaders)
	}
}

func TestHeaderAddTooLarge(t *testing.T) {
	var h Header

	largeName := make([]byte, MaxHeaderName+1)
	err := h.Add(largeName, []byte("value"))
	if err != ErrHeaderTooLarge {
		t.Errorf("Add with large name: got error %v, want %v", err, ErrHeaderTooLarge)
	}

	largeValue := make([]byte, MaxHeaderValue+1)
	err = h.Add([]byte("Name"), largeValue)
	if err != ErrHeaderTooLarge {
		t.Errorf("Add with large value: got error %v, want %v", err, ErrHeaderTooLarge)
	}
}

func TestHeaderGetCaseInsensitive(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))

	tests := []string{
		"Content-Type",
		"content-type",
		"CONTENT-TYPE",
		"CoNtEnT-TyPe",
	}

	for _, name := range tests {
		val := h.Get([]byte(name))
		if string(val) != "application/json" {
			t.Errorf("Get(%q) = %q, want %q (case-insensitive lookup failed)", name, val, "application/json")
		}
	}
}

func TestHeaderGetNonExistent(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))

	val := h.Get([]byte("X-Not-Exists"))
	if val != nil {
		t.Errorf("Get(X-Not-Exists) = %q, want nil", val)
	}
}

func TestHeaderHas(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))

	if !h.Has([]byte("Content-Type")) {
		t.Error("Has(Content-Type) = false, want true")
	}

	if !h.Has([]byte("content-type")) {
		t.Error("Has(content-type) = false, want true (case-insensitive)")
	}

	if h.Has([]byte("X-Not-Exists")) {
		t.Error("Has(X-Not-Exists) = true, want false")
	}
}

func TestHeaderSet(t *testing.T) {
	var h Header

	err := h.Set([]byte("Content-Type"), []byte("text/html"))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val := h.Get([]byte("Content-Type"))
	if string(val) != "text/html" {
		t.Errorf("Get(Content-Type) = %q, want %q", val, "text/html")
	}

	err = h.Set([]byte("Content-Type"), []byte("application/json"))
	if err != nil {
		t.Fatalf("Set (update) failed: %v", err)
	}

	val = h.Get([]byte("Content-Type"))
	if string(val) != "application/json" {
		t.Errorf("Get(Content-Type) after update = %q, want %q", val, "application/json")
	}

	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (Set should update, not add)", h.Len())
	}
}

func TestHeaderSetCaseInsensitive(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("text/html"))

	err := h.Set([]byte("content-type"), []byte("application/json"))
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}

	val := h.Get([]byte("Content-Type"))
	if string(val) != "application/json" {
		t.Errorf("Get(Content-Type) = %q, want %q", val, "application/json")
	}

	val = h.Get([]byte("content-type"))
	if string(val) != "application/json" {
		t.Errorf("Get(content-type) = %q, want %q", val, "application/json")
	}
}

func TestHeaderDel(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))
	h.Add([]byte("Content-Length"), []byte("123"))
	h.Add([]byte("Host"), []byte("example.com"))

	h.Del([]byte("Content-Length"))

	if h.Len() != 2 {
		t.Errorf("Len() after delete = %d, want 2", h.Len())
	}

	val := h.Get([]byte("Content-Length"))
	if val != nil {
		t.Errorf("Get(Content-Length) after delete = %q, want nil", val)
	}

	val = h.Get([]byte("Content-Type"))
	if string(val) != "application/json" {
		t.Errorf("Get(Content-Type) = %q, want %q", val, "application/json")
	}

	val = h.Get([]byte("Host"))
	if string(val) != "example.com" {
		t.Errorf("Get(Host) = %q, want %q", val, "example.com")
	}
}

func TestHeaderDelCaseInsensitive(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))

	h.Del([]byte("content-type"))

	if h.Len() != 0 {
		t.Errorf("Len() after delete = %d, want 0", h.Len())
	}

	val := h.Get([]byte("Content-Type"))
	if val != nil {
		t.Errorf("Get(Content-Type) after delete = %q, want nil", val)
	}
}

func TestHeaderLen(t *testing.T) {
	var h Header

	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}

	h.Add([]byte("Content-Type"), []byte("application/json"))
	if h.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.Len())
	}
}

func TestHeaderReset(t *testing.T) {
	var h Header

	for i := 0; i < 10; i++ {
		h.Add([]byte(fmt.Sprintf("X-Header-%d", i)), []byte("value"))
	}

	h.Reset()

	if h.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", h.Len())
	}

	err := h.Add([]byte("New-Header"), []byte("new-value"))
	if err != nil {
		t.Fatalf("Add after Reset failed: %v", err)
	}

	if h.Len() != 1 {
		t.Errorf("Len() after Reset and Add = %d, want 1", h.Len())
	}
}

func TestHeaderVisitAll(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))
	h.Add([]byte("Content-Length"), []byte("123"))
	h.Add([]byte("Host"), []byte("example.com"))

	visited := make(map[string]string)
	h.VisitAll(func(name, value []byte) bool {
		visited[string(name)] = string(value)
		return true
	})

	expected := map[string]string{
		"Content-Type":   "application/json",
		"Content-Length": "123",
		"Host":           "example.com",
	}

	if len(visited) != len(expected) {
		t.Errorf("visited %d headers, want %d", len(visited), len(expected))
	}

	for name, value := range expected {
		if visited[name] != value {
			t.Errorf("visited[%s] = %q, want %q", name, visited[name], value)
		}
	}
}

func TestHeaderVisitAllEarlyStop(t *testing.T) {
	var h Header

	h.Add([]byte("Header1"), []byte("value1"))
	h.Add([]byte("Header2"), []byte("value2"))
	h.Add([]byte("Header3"), []byte("value3"))

	count := 0
	h.VisitAll(func(name, value []byte) bool {
		count++
		return count < 2
	})

	if count != 2 {
		t.Errorf("visited %d headers, want 2 (early stop)", count)
	}
}

func TestHeaderGetString(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("application/json"))

	val := h.GetString([]byte("Content-Type"))
	if val != "application/json" {
		t.Errorf("GetString(Content-Type) = %q, want %q", val, "application/json")
	}

	val = h.GetString([]byte("X-Not-Exists"))
	if val != "" {
		t.Errorf("GetString(X-Not-Exists) = %q, want empty string", val)
	}
}

// Benchmarks

func BenchmarkHeaderAdd(b *testing.B) {
	var h Header
	name := []byte("Content-Type")
	value := []byte("application/json")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h.Reset()
		h.Add(name, value)
	}
}

func BenchmarkHeaderAdd16(b *testing.B) {
	headers := make([][2][]byte, 16)
	for i := 0; i < 16; i++ {
		headers[i][0] = []byte(fmt.Sprintf("X-Header-%d", i))
		headers[i][1] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		var h Header
		for j := 0; j < 16; j++ {
			h.Add(headers[j][0], headers[j][1])
		}
	}
}

func BenchmarkHeaderAddMax(b *testing.B) {
	headers := make([][2][]byte, MaxHeaders)
	for i := 0; i < MaxHeaders; i++ {
		headers[i][0] = []byte(fmt.Sprintf("X-Header-%d", i))
		headers[i][1] = []byte(fmt.Sprintf("value-%d", i))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		var h Header
		for j := 0; j < MaxHeaders; j++ {
			h.Add(headers[j][0], headers[j][1])
		}
	}
}

func BenchmarkHeaderGet(b *testing.B) {
	var h Header
	h.Add([]byte("Content-Type"), []byte("application/json"))
	h.Add([]byte("Content-Length"), []byte("123"))
	h.Add([]byte("Host"), []byte("example.com"))

	name := []byte("Content-Type")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = h.Get(name)
	}
}

func BenchmarkHeaderGetCaseInsensitive(b *testing.B) {
	var h Header
	h.Add([]byte("Content-Type"), []byte("application/json"))

	name := []byte("content-type")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = h.Get(name)
	}
}

func BenchmarkHeaderSet(b *testing.B) {
	var h Header
	h.Add([]byte("Content-Type"), []byte("text/html"))

	name := []byte("Content-Type")
	value := []byte("application/json")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h.Set(name, value)
	}
}

func BenchmarkHeaderHas(b *testing.B) {
	var h Header
	h.Add([]byte("Content-Type"), []byte("application/json"))

	name := []byte("Content-Type")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = h.Has(name)
	}
}

func BenchmarkHeaderVisitAll(b *testing.B) {
	var h Header
	for i := 0; i < 16; i++ {
		h.Add([]byte(fmt.Sprintf("X-Header-%d", i)), []byte(fmt.Sprintf("value-%d", i)))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		h.VisitAll(func(name, value []byte) bool {
			return true
		})
	}
}

// TestHeader_CRLF_Injection_Protection covers RFC 7230 §3.2: field
// values must not contain CR or LF, which is what stops header
// injection / response splitting via a crafted header value.
func TestHeader_CRLF_Injection_Protection(t *testing.T) {
	tests := []struct {
		name        string
		headerName  []byte
		headerValue []byte
		shouldError bool
		description string
	}{
		{
			name:        "Valid header with no CRLF",
			headerName:  []byte("Content-Type"),
			headerValue: []byte("text/html; charset=utf-8"),
			shouldError: false,
			description: "Normal header should be accepted",
		},
		{
			name:        "CRLF in header value (CR)",
			headerName:  []byte("Set-Cookie"),
			headerValue: []byte("session=abc\rX-Malicious: injected"),
			shouldError: true,
			description: "Should reject header value containing CR",
		},
		{
			name:        "CRLF in header value (LF)",
			headerName:  []byte("Set-Cookie"),
			headerValue: []byte("session=abc\nX-Malicious: injected"),
			shouldError: true,
			description: "Should reject header value containing LF",
		},
		{
			name:        "CRLF in header value (both)",
			headerName:  []byte("Location"),
			headerValue: []byte("http://evil.com\r\n\r\n<script>alert(1)</script>"),
			shouldError: true,
			description: "Should reject header value containing CRLF sequence",
		},
		{
			name:        "CRLF in header name (CR)",
			headerName:  []byte("Host\rX-Injected"),
			headerValue: []byte("example.com"),
			shouldError: true,
			description: "Should reject header name containing CR",
		},
		{
			name:        "CRLF in header name (LF)",
			headerName:  []byte("Host\nX-Injected"),
			headerValue: []byte("example.com"),
			shouldError: true,
			description: "Should reject header name containing LF",
		},
		{
			name:        "Multiple CRLF in value",
			headerName:  []byte("X-Custom"),
			headerValue: []byte("value1\r\nX-Evil: bad\r\nX-Evil2: worse"),
			shouldError: true,
			description: "Should reject multiple CRLF injections in value",
		},
		{
			name:        "CRLF at start of value",
			headerName:  []byte("X-Test"),
			headerValue: []byte("\r\nX-Evil: attack"),
			shouldError: true,
			description: "Should reject CRLF at start of value",
		},
		{
			name:        "CRLF at end of value",
			headerName:  []byte("X-Test"),
			headerValue: []byte("normal\r\n"),
			shouldError: true,
			description: "Should reject CRLF at end of value",
		},
		{
			name:        "Empty value with no CRLF",
			headerName:  []byte("X-Empty"),
			headerValue: []byte(""),
			shouldError: false,
			description: "Empty value without CRLF should be accepted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Header
			err := h.Add(tt.headerName, tt.headerValue)

			if tt.shouldError && err == nil {
				t.Errorf("SECURITY: Header.Add() accepted %s (value=%q, name=%q)",
					tt.description, tt.headerValue, tt.headerName)
			}

			if !tt.shouldError && err != nil {
				t.Errorf("Header.Add() rejected valid header: %v (name=%q, value=%q)",
					err, tt.headerName, tt.headerValue)
			}

			if tt.shouldError && err != nil && err != ErrInvalidHeader {
				t.Errorf("Expected ErrInvalidHeader, got %v", err)
			}
		})
	}
}

// TestHeader_CRLF_Set tests CRLF protection in Set() method.
func TestHeader_CRLF_Set(t *testing.T) {
	var h Header

	h.Add([]byte("Content-Type"), []byte("text/plain"))

	err := h.Set([]byte("Content-Type"), []byte("text/html\r\nX-Evil: injected"))
	if err == nil {
		t.Error("SECURITY: Header.Set() accepted value with CRLF injection")
	}

	val := h.GetString([]byte("Content-Type"))
	if val != "text/plain" {
		t.Errorf("Original value was modified: got %q, want %q", val, "text/plain")
	}
}
