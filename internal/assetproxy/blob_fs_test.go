package assetproxy

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSidecar(t *testing.T, root, p string) blobSidecar {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)) + blobSidecarSuffix)
	require.NoError(t, err)
	var side blobSidecar
	require.NoError(t, decodeCBOR(b, &side))
	return side
}

func TestFileBlobStoreRoundTrip(t *testing.T) {
	css := []byte(strings.Repeat(".a{color:red}\n", 200))
	cases := []struct {
		mode CompressionMode
		want CompressionTag
	}{
		{CompressionModeAuto, CompressionZstd},
		{CompressionModeNone, CompressionNone},
		{CompressionModeZstd, CompressionZstd},
		{CompressionModeLZ4, CompressionLZ4},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			root := t.TempDir()
			s, err := NewFileBlobStore(root, tc.mode)
			require.NoError(t, err)
			ctx := context.Background()

			meta := map[string]string{MetaContentType: "text/css", MetaOriginURL: "http://cdn.example/a.css"}
			p, err := s.Upload(ctx, "proxied/ab/abc.css", css, meta)
			require.NoError(t, err)
			assert.Equal(t, "proxied/ab/abc.css", p)

			b, err := s.Read(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, css, b.Data)
			assert.Equal(t, meta, b.Metadata)

			side := readSidecar(t, root, p)
			assert.Equal(t, tc.want, side.Compression)
			assert.Equal(t, len(css), side.Size)

			raw, err := os.ReadFile(filepath.Join(root, "proxied", "ab", "abc.css"))
			require.NoError(t, err)
			if tc.want == CompressionNone {
				assert.Equal(t, css, raw)
			} else {
				assert.Less(t, len(raw), len(css))
			}
		})
	}
}

func TestFileBlobStoreIncompressibleStoredRaw(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileBlobStore(root, CompressionModeZstd)
	require.NoError(t, err)

	data := make([]byte, 4096)
	_, err = rand.Read(data)
	require.NoError(t, err)

	p, err := s.Upload(context.Background(), "bin/rand.bin", data, nil)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, readSidecar(t, root, p).Compression)

	b, err := s.Read(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, data, b.Data)
	assert.NotNil(t, b.Metadata)
}

func TestFileBlobStoreCopy(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir(), CompressionModeAuto)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Upload(ctx, "a/src.png", []byte("png"), map[string]string{MetaContentType: "image/png"})
	require.NoError(t, err)

	p, err := s.Copy(ctx, "a/src.png", "b/keep.png", nil)
	require.NoError(t, err)
	b, err := s.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "png", string(b.Data))
	assert.Equal(t, "image/png", b.Metadata[MetaContentType])

	p, err = s.Copy(ctx, "a/src.png", "b/replace.png", map[string]string{MetaContentType: "image/x-png"})
	require.NoError(t, err)
	b, err = s.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "image/x-png", b.Metadata[MetaContentType])

	_, err = s.Copy(ctx, "a/missing.png", "b/x.png", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBlobStoreNotFound(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Read(context.Background(), "proxied/zz/none.css")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBlobStoreRejectsUnsafePaths(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir(), CompressionModeAuto)
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"", "../escape", "a/../../b", "a//b", "a/./b", "x.css.meta", "dir/"} {
		_, err := s.Upload(ctx, p, []byte("x"), nil)
		assert.Error(t, err, p)
		_, err = s.Read(ctx, p)
		assert.Error(t, err, p)
	}
}

func TestFileBlobStoreHonoursContext(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir(), CompressionModeAuto)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Upload(ctx, "a", []byte("x"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Read(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileBlobStoreRequiresRoot(t *testing.T) {
	_, err := NewFileBlobStore("  ", CompressionModeAuto)
	assert.Error(t, err)
}
