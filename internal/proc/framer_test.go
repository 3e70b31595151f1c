package proc

import (
	"testing"
)

func TestFramerSplitsLines(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("one\ntwo\nthree\n"))
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(lines[i]) != want {
			t.Errorf("line %d = %q, want %q", i, lines[i], want)
		}
	}
	if f.Pending() {
		t.Error("expected no pending bytes")
	}
}

func TestFramerChunkBoundaryInvariance(t *testing.T) {
	input := "alpha\r\nbeta\ngamma with spaces\n\ndelta"
	want := []string{"alpha", "beta", "gamma with spaces", "", "delta"}

	// Any split of the input must produce identical framed lines.
	for chunkSize := 1; chunkSize <= len(input); chunkSize++ {
		var f LineFramer
		var got []string
		for i := 0; i < len(input); i += chunkSize {
			end := i + chunkSize
			if end > len(input) {
				end = len(input)
			}
			for _, line := range f.Feed([]byte(input[i:end])) {
				got = append(got, string(line))
			}
		}
		if tail := f.Flush(); tail != nil {
			got = append(got, string(tail))
		}

		if len(got) != len(want) {
			t.Fatalf("chunk size %d: got %d lines, want %d", chunkSize, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("chunk size %d: line %d = %q, want %q", chunkSize, i, got[i], want[i])
			}
		}
	}
}

func TestFramerCarriageReturn(t *testing.T) {
	var f LineFramer
	lines := f.Feed([]byte("dos\r\nline\n"))
	if string(lines[0]) != "dos" {
		t.Errorf("expected CR stripped, got %q", lines[0])
	}
}

func TestFramerFlushPartial(t *testing.T) {
	var f LineFramer
	if lines := f.Feed([]byte("no newline yet")); lines != nil {
		t.Fatalf("expected no complete lines, got %d", len(lines))
	}
	if !f.Pending() {
		t.Error("expected pending bytes")
	}
	if got := f.Flush(); string(got) != "no newline yet" {
		t.Errorf("Flush() = %q", got)
	}
	if f.Flush() != nil {
		t.Error("second Flush() should return nil")
	}
}

func TestFramerReturnedLinesAreStable(t *testing.T) {
	var f LineFramer
	chunk := []byte("first\nsecond\n")
	lines := f.Feed(chunk)
	// Mutate the input; framed lines must not change.
	for i := range chunk {
		chunk[i] = 'x'
	}
	f.Feed([]byte("third\n"))
	if string(lines[0]) != "first" || string(lines[1]) != "second" {
		t.Errorf("lines changed after buffer reuse: %q, %q", lines[0], lines[1])
	}
}
