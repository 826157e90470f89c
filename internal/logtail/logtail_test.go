package logtail

import (
	"bytes"
	"io"
	"testing"
)

func TestBufferRetainsOnlyLastCapacityBytes(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdef"))
	if got := string(b.Bytes()); got != "cdef" {
		t.Fatalf("got %q, want %q", got, "cdef")
	}
}

func TestBufferAccumulatesAcrossMultipleWrites(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))
	b.Write([]byte("cd"))
	b.Write([]byte("ef"))
	if got := string(b.Bytes()); got != "cdef" {
		t.Fatalf("got %q, want %q", got, "cdef")
	}
}

func TestBufferUnderCapacityReturnsAllWritten(t *testing.T) {
	b := New(64 * 1024)
	b.Write([]byte("hello"))
	if got := string(b.Bytes()); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestBufferOversizedSingleWriteKeepsTail(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdefgh"))
	if got := string(b.Bytes()); got != "efgh" {
		t.Fatalf("got %q, want %q", got, "efgh")
	}
}

func TestBufferDefaultCapacityAppliedForNonPositive(t *testing.T) {
	b := New(0)
	if cap(b.data) != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, cap(b.data))
	}
}

func TestBufferComposesWithMultiWriter(t *testing.T) {
	var fileSink bytes.Buffer
	tail := New(4)
	mw := io.MultiWriter(&fileSink, tail)
	mw.Write([]byte("abcdef"))

	if fileSink.String() != "abcdef" {
		t.Fatalf("file sink should see full stream, got %q", fileSink.String())
	}
	if string(tail.Bytes()) != "cdef" {
		t.Fatalf("tail should see bounded stream, got %q", tail.Bytes())
	}
}
