package parser

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// StripCompressionExt drops a trailing .gz, .zst or .br so the inner extension
// can drive format inference.
func StripCompressionExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".zst", ".br":
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

// Decompress wraps r in a decoder chosen by the extension of name. Names
// without a compression extension get r back unchanged.
func Decompress(name string, r io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, unreadable(err)
		}
		return zr, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, unreadable(err)
		}
		return zr.IOReadCloser(), nil
	case ".br":
		return io.NopCloser(brotli.NewReader(r)), nil
	}
	return io.NopCloser(r), nil
}
