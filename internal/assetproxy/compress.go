package assetproxy

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag records how a blob is compressed at rest. Values are stored
// in blob sidecars; do not renumber.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = 0
	CompressionLZ4  CompressionTag = 1
	CompressionZstd CompressionTag = 2
)

func (t CompressionTag) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// CompressionMode selects the at-rest compression policy of FileBlobStore.
type CompressionMode string

const (
	CompressionModeAuto CompressionMode = "auto"
	CompressionModeNone CompressionMode = "none"
	CompressionModeZstd CompressionMode = "zstd"
	CompressionModeLZ4  CompressionMode = "lz4"
)

func parseCompressionMode(s string) (CompressionMode, error) {
	switch m := CompressionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return CompressionModeAuto, nil
	case CompressionModeAuto, CompressionModeNone, CompressionModeZstd, CompressionModeLZ4:
		return m, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

var errIncompressible = errors.New("data is incompressible")

// chooseCompression picks a tag for a blob. In auto mode text-like types get
// zstd, media that is already compressed (or bytes carrying a Content-Encoding)
// are stored raw, and everything else gets lz4.
func chooseCompression(mode CompressionMode, metadata map[string]string) CompressionTag {
	switch mode {
	case CompressionModeNone:
		return CompressionNone
	case CompressionModeZstd:
		return CompressionZstd
	case CompressionModeLZ4:
		return CompressionLZ4
	}
	if metadata[MetaContentEncoding] != "" {
		return CompressionNone
	}
	mt, _, err := mime.ParseMediaType(metadata[MetaContentType])
	if err != nil {
		return CompressionLZ4
	}
	switch {
	case strings.HasPrefix(mt, "text/"),
		strings.HasSuffix(mt, "+xml"),
		strings.HasSuffix(mt, "+json"),
		mt == "application/javascript",
		mt == "application/json",
		mt == "application/xml",
		mt == "font/ttf", mt == "font/otf",
		mt == "application/vnd.ms-fontobject":
		return CompressionZstd
	case strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "video/"),
		strings.HasPrefix(mt, "audio/"),
		mt == "font/woff", mt == "font/woff2",
		mt == "application/font-woff", mt == "application/font-woff2",
		mt == "application/zip", mt == "application/gzip":
		return CompressionNone
	}
	return CompressionLZ4
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("assetproxy: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("assetproxy: zstd decoder initialization failed: " + err.Error())
	}
}

// compressBlob returns errIncompressible when the output would not be smaller.
func compressBlob(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func decompressBlob(data []byte, tag CompressionTag, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("blob size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
