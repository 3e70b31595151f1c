// Package proc provides subprocess management shared by the agent
// orchestrator and the terminal pool: spawning, line-framed output
// streaming, and graceful-then-forced termination of process trees.
package proc

import "bytes"

// LineFramer accumulates a byte stream and splits it on newlines.
// A trailing partial line is retained across Feed calls and only
// surfaced by Flush, so callers never observe a torn line.
//
// Pure accumulation, no I/O.
type LineFramer struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns all complete lines.
// Returned lines have the trailing newline (and a preceding carriage
// return, if any) stripped. The returned slices are copies and remain
// valid after subsequent calls.
func (f *LineFramer) Feed(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	f.buf = append(f.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
		f.buf = f.buf[idx+1:]
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the framer.
// Called on process exit so a final unterminated line is never dropped.
func (f *LineFramer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	line := bytes.TrimSuffix(f.buf, []byte{'\r'})
	out := make([]byte, len(line))
	copy(out, line)
	f.buf = nil
	return out
}

// Pending reports whether a partial line is buffered.
func (f *LineFramer) Pending() bool {
	return len(f.buf) > 0
}
