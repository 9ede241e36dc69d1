package assetproxy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseCompression(t *testing.T) {
	cases := []struct {
		meta map[string]string
		want CompressionTag
	}{
		{map[string]string{MetaContentType: "text/css; charset=utf-8"}, CompressionZstd},
		{map[string]string{MetaContentType: "application/javascript"}, CompressionZstd},
		{map[string]string{MetaContentType: "image/svg+xml"}, CompressionZstd},
		{map[string]string{MetaContentType: "font/ttf"}, CompressionZstd},
		{map[string]string{MetaContentType: "image/png"}, CompressionNone},
		{map[string]string{MetaContentType: "font/woff2"}, CompressionNone},
		{map[string]string{MetaContentType: "text/css", MetaContentEncoding: "gzip"}, CompressionNone},
		{map[string]string{MetaContentType: "application/octet-stream"}, CompressionLZ4},
		{nil, CompressionLZ4},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, chooseCompression(CompressionModeAuto, tc.meta), "%v", tc.meta)
	}

	png := map[string]string{MetaContentType: "image/png"}
	assert.Equal(t, CompressionZstd, chooseCompression(CompressionModeZstd, png))
	assert.Equal(t, CompressionLZ4, chooseCompression(CompressionModeLZ4, png))
	assert.Equal(t, CompressionNone, chooseCompression(CompressionModeNone, map[string]string{MetaContentType: "text/css"}))
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("@font-face{src:url(a.woff2)}\n"), 100)
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			packed, err := compressBlob(data, tag)
			require.NoError(t, err)
			out, err := decompressBlob(packed, tag, len(data))
			require.NoError(t, err)
			assert.Equal(t, data, out)
		})
	}
}

func TestCompressRejectsTinyInput(t *testing.T) {
	_, err := compressBlob([]byte("a"), CompressionZstd)
	assert.ErrorIs(t, err, errIncompressible)
	_, err = compressBlob([]byte("a"), CompressionLZ4)
	assert.ErrorIs(t, err, errIncompressible)
}

func TestDecompressSizeMismatch(t *testing.T) {
	_, err := decompressBlob([]byte("abc"), CompressionNone, 4)
	assert.Error(t, err)
	_, err = decompressBlob([]byte("abc"), CompressionTag(9), 3)
	assert.Error(t, err)
	assert.Equal(t, "unknown(9)", CompressionTag(9).String())
}

func TestParseCompressionMode(t *testing.T) {
	for in, want := range map[string]CompressionMode{"": CompressionModeAuto, " ZSTD ": CompressionModeZstd, "lz4": CompressionModeLZ4, "none": CompressionModeNone} {
		got, err := parseCompressionMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := parseCompressionMode("brotli")
	assert.Error(t, err)
}
