package claudecode

// StripLoneSurrogates drops unpaired UTF-16 surrogate code units from text
// before it goes on the wire; the API rejects payloads carrying them. Text
// assembled from external tool output can contain surrogates smuggled in as
// WTF-8 byte sequences (ED A0..BF 80..BF), which ordinary rune iteration
// never surfaces, so this works on raw bytes. Idempotent: a clean string is
// returned unchanged without allocation.
func StripLoneSurrogates(s string) string {
	i := indexSurrogate(s, 0)
	if i < 0 {
		return s
	}

	out := make([]byte, 0, len(s))
	start := 0
	for i >= 0 {
		out = append(out, s[start:i]...)
		start = i + 3
		i = indexSurrogate(s, start)
	}
	out = append(out, s[start:]...)
	return string(out)
}

// indexSurrogate returns the offset of the first WTF-8 surrogate sequence at
// or after from, or -1.
func indexSurrogate(s string, from int) int {
	for i := from; i+2 < len(s); i++ {
		if s[i] == 0xED && s[i+1] >= 0xA0 && s[i+1] <= 0xBF && s[i+2] >= 0x80 && s[i+2] <= 0xBF {
			return i
		}
	}
	return -1
}
