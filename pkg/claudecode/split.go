package claudecode

import "bytes"

// SplitLines splits newline-framed protocol data without holding parser
// state: the caller keeps the unterminated tail and feeds it back with the
// next read. Returns the complete lines found in buffer+data (empty lines
// dropped, trailing \r trimmed) and the new tail.
func SplitLines(buffer, data []byte) (lines [][]byte, rest []byte) {
	combined := append(append([]byte{}, buffer...), data...)

	for {
		idx := bytes.IndexByte(combined, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(combined[:idx], []byte{'\r'})
		if len(line) > 0 {
			lines = append(lines, append([]byte{}, line...))
		}
		combined = combined[idx+1:]
	}
	return lines, combined
}
