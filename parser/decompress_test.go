package parser

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestStripCompressionExt(t *testing.T) {
	require.Equal(t, "app.log", StripCompressionExt("app.log.gz"))
	require.Equal(t, "app.csv", StripCompressionExt("app.csv.ZST"))
	require.Equal(t, "app.jsonl", StripCompressionExt("app.jsonl.br"))
	require.Equal(t, "app.log", StripCompressionExt("app.log"))
}

func TestDecompress(t *testing.T) {
	const content = "one\ntwo\n"

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var zs bytes.Buffer
	enc, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = enc.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, err = bw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	for name, data := range map[string][]byte{
		"a.log.gz":  gz.Bytes(),
		"a.log.zst": zs.Bytes(),
		"a.log.br":  br.Bytes(),
		"a.log":     []byte(content),
	} {
		rc, err := Decompress(name, bytes.NewReader(data))
		require.NoError(t, err, name)
		got, err := io.ReadAll(rc)
		require.NoError(t, err, name)
		require.NoError(t, rc.Close())
		require.Equal(t, content, string(got), name)
	}
}

func TestDecompress_CorruptGzip(t *testing.T) {
	_, err := Decompress("a.gz", strings.NewReader("not gzip"))
	require.ErrorIs(t, err, ErrUnreadableInput)
}
