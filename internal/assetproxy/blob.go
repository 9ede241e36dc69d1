package assetproxy

import (
	"context"
	"path"
	"strings"
)

// Blob metadata keys.
const (
	MetaContentType     = "Content-Type"
	MetaContentEncoding = "Content-Encoding"
	MetaOriginURL       = "Origin-Url"
)

type Blob struct {
	Data     []byte
	Metadata map[string]string
}

// BlobStore is durable storage for mirrored bytes. Paths are slash-separated
// and relative; each implementation maps them onto its own namespace.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)
	// Read returns an error wrapping ErrNotFound for unknown paths.
	Read(ctx context.Context, path string) (Blob, error)
	// Copy duplicates from into to. A nil metadata keeps the source metadata.
	Copy(ctx context.Context, from, to string, metadata map[string]string) (string, error)
}

// storedPathFor lays blobs out as <prefix>/<hash[:2]>/<hash><ext>.
func storedPathFor(prefix, hash string, origin OriginAddress) string {
	name := hash + originExt(origin.Path())
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(hash[:2], name)
	}
	return path.Join(prefix, hash[:2], name)
}

// originExt returns the origin path's extension when it is short and
// alphanumeric, so proxied files keep a recognisable suffix.
func originExt(p string) string {
	ext := path.Ext(p)
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
