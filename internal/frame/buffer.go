// Package frame accumulates streamed text into "\r\n"-delimited frames.
package frame

import "strings"

// Delimiter terminates every frame on the wire.
const Delimiter = "\r\n"

// Buffer collects chunks until the accumulated text ends with Delimiter.
//
// It yields at most one frame per Append call. A chunk carrying several
// delimiters is not split: callers feed the buffer byte by byte (or with
// delimiter-terminated chunks) to get one frame per line.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	sb strings.Builder
}

// Append adds chunk to the buffer. When the buffer ends with Delimiter it is
// reset and, unless it held only whitespace, returned as a complete frame.
func (b *Buffer) Append(chunk string) (string, bool) {
	b.sb.WriteString(chunk)
	data := b.sb.String()
	if !strings.HasSuffix(data, Delimiter) {
		return "", false
	}

	b.sb.Reset()
	if strings.TrimSpace(data) == "" {
		// keep-alive
		return "", false
	}
	return data, true
}

// Reset discards any partial frame.
func (b *Buffer) Reset() {
	b.sb.Reset()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.sb.Len()
}

// String returns the buffered partial frame.
func (b *Buffer) String() string {
	return b.sb.String()
}
