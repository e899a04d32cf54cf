package parser

import (
	"io"
	"iter"
)

// Plaintext treats every line as free text. Time, level and attributes are
// left to Normalize.
type Plaintext struct{}

func (Plaintext) Format() Format { return FormatPlaintext }

// Sniff gives any text a low confidence so plaintext acts as the fallback.
func (Plaintext) Sniff(sample []byte, _ string) float64 {
	if len(firstLines(sample, 1)) == 0 || looksBinary(sample) {
		return 0
	}
	return 0.3
}

func (Plaintext) Lines(r io.Reader) iter.Seq2[RawLine, error] {
	return scanLines(r, nil)
}
