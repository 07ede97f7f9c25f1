package wire

import (
	"strings"
)

// Encode renders m as a wire line, including its trailing '\n'.
//
// A parameter is written with a ':' prefix (and thus may contain
// spaces) when it contains a space, when it already starts with ':',
// or when it is the last parameter and empty (so it remains visible on
// the wire). Only the last parameter may use this form.
func (m Message) Encode() (string, error) {
	var b strings.Builder

	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for i, param := range m.Params {
		needsColon := strings.IndexByte(param, ' ') != -1 ||
			(param != "" && param[0] == ':') ||
			param == ""

		if needsColon && i+1 != len(m.Params) {
			return "", &ParseError{Reason: "':' or ' ' outside last parameter"}
		}

		b.WriteByte(' ')
		if needsColon {
			b.WriteByte(':')
		}
		b.WriteString(param)
	}

	b.WriteByte('\n')

	return b.String(), nil
}

// SplitForSend breaks s into chunks of at most MaxLineLength bytes so
// each chunk can be enqueued as its own wire write. A line produced by
// Encode already fits, but a caller may hand SplitForSend an
// arbitrarily long pre-encoded string (e.g. a batch of several
// messages). Chunks are cut at every MaxLineLength-byte offset, without
// regard to where lines inside s begin or end.
func SplitForSend(s string) []string {
	if len(s) <= MaxLineLength {
		return []string{s}
	}

	var chunks []string
	for len(s) > MaxLineLength {
		chunks = append(chunks, s[:MaxLineLength])
		s = s[MaxLineLength:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
