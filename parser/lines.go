package parser

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"strings"
	"unicode/utf8"
)

// scanLines yields one RawLine per physical line of r, including blank
// lines and a final line without a trailing newline. newDecorator is called
// once per sequence so decorators may keep per-file state (e.g. a CSV
// header).
func scanLines(r io.Reader, newDecorator func() func(*RawLine)) iter.Seq2[RawLine, error] {
	return func(yield func(RawLine, error) bool) {
		var decorate func(*RawLine)
		if newDecorator != nil {
			decorate = newDecorator()
		}
		br := bufio.NewReaderSize(r, 64*1024)
		var offset int64
		n := 0
		for {
			chunk, err := br.ReadBytes('\n')
			if len(chunk) > 0 {
				n++
				line := RawLine{Number: n, Offset: offset, Text: cleanLine(chunk)}
				offset += int64(len(chunk))
				if decorate != nil {
					applyDecorator(decorate, &line)
				}
				if !yield(line, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(RawLine{}, unreadable(err))
				return
			}
		}
	}
}

// applyDecorator runs decorate on a copy so a decorator that trips over
// hostile input leaves the plain line intact.
func applyDecorator(decorate func(*RawLine), line *RawLine) {
	work := *line
	defer func() { _ = recover() }()
	decorate(&work)
	*line = work
}

func cleanLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// firstLines returns up to n non-empty lines of sample.
func firstLines(sample []byte, n int) []string {
	var out []string
	for _, l := range strings.Split(string(sample), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
		if len(out) >= n {
			break
		}
	}
	return out
}

// looksBinary reports whether sample is unlikely to be line-oriented text.
func looksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	invalid := 0
	for i := 0; i < len(sample); {
		r, size := utf8.DecodeRune(sample[i:])
		if r == utf8.RuneError && size <= 1 {
			// A rune cut at the end of the sample is not evidence of binary.
			if len(sample)-i >= utf8.UTFMax {
				invalid++
			}
		}
		i += size
	}
	return invalid*10 > len(sample)
}
