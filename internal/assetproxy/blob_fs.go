package assetproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const blobSidecarSuffix = ".meta"

type blobSidecar struct {
	Metadata    map[string]string `cbor:"1,keyasint"`
	Compression CompressionTag    `cbor:"2,keyasint"`
	Size        int               `cbor:"3,keyasint"`
}

// FileBlobStore stores blobs under a root directory. Each blob is a data file
// plus a CBOR sidecar holding its metadata and at-rest compression.
type FileBlobStore struct {
	root string
	mode CompressionMode
}

func NewFileBlobStore(root string, mode CompressionMode) (*FileBlobStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob dir is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if mode == "" {
		mode = CompressionModeAuto
	}
	return &FileBlobStore{root: abs, mode: mode}, nil
}

func (s *FileBlobStore) filePath(p string) (string, error) {
	clean := path.Clean("/" + p)[1:]
	if clean == "" || clean != strings.TrimPrefix(p, "/") || strings.HasSuffix(clean, blobSidecarSuffix) {
		return "", fmt.Errorf("invalid blob path %q", p)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *FileBlobStore) Upload(ctx context.Context, p string, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fp, err := s.filePath(p)
	if err != nil {
		return "", err
	}

	tag := chooseCompression(s.mode, metadata)
	stored, err := compressBlob(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, stored = CompressionNone, data
	} else if err != nil {
		return "", err
	}

	side, err := encodeCBOR(blobSidecar{Metadata: copyMetadata(metadata), Compression: tag, Size: len(data)})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(fp, stored); err != nil {
		return "", err
	}
	if err := writeFileAtomic(fp+blobSidecarSuffix, side); err != nil {
		return "", err
	}
	return p, nil
}

func (s *FileBlobStore) Read(ctx context.Context, p string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	fp, err := s.filePath(p)
	if err != nil {
		return Blob{}, err
	}
	sideBytes, err := os.ReadFile(fp + blobSidecarSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return Blob{}, fmt.Errorf("blob %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return Blob{}, err
	}
	var side blobSidecar
	if err := decodeCBOR(sideBytes, &side); err != nil {
		return Blob{}, fmt.Errorf("blob %s: decode sidecar: %w", p, err)
	}
	raw, err := os.ReadFile(fp)
	if errors.Is(err, os.ErrNotExist) {
		return Blob{}, fmt.Errorf("blob %s: %w", p, ErrNotFound)
	}
	if err != nil {
		return Blob{}, err
	}
	data, err := decompressBlob(raw, side.Compression, side.Size)
	if err != nil {
		return Blob{}, fmt.Errorf("blob %s: %w", p, err)
	}
	if side.Metadata == nil {
		side.Metadata = map[string]string{}
	}
	return Blob{Data: data, Metadata: side.Metadata}, nil
}

func (s *FileBlobStore) Copy(ctx context.Context, from, to string, metadata map[string]string) (string, error) {
	b, err := s.Read(ctx, from)
	if err != nil {
		return "", err
	}
	if metadata == nil {
		metadata = b.Metadata
	}
	return s.Upload(ctx, to, b.Data, metadata)
}

func writeFileAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), ".blob-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, name)
}
