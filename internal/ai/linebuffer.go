package ai

import "bytes"

// LineBuffer reassembles lines from arbitrarily split reads. Only complete
// lines are returned; the trailing partial line waits for the next Write or
// for Flush.
type LineBuffer struct {
	buf []byte
}

func (b *LineBuffer) Write(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.buf[:i], []byte("\r"))))
		b.buf = b.buf[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(b.buf, []byte("\r")))
	b.buf = nil
	return line, true
}
