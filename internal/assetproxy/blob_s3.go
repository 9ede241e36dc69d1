package assetproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3BlobStore stores blobs in an S3-compatible bucket (AWS S3, MinIO, ...).
// Content-Type and Content-Encoding map onto the object's own headers; other
// metadata becomes user metadata.
type S3BlobStore struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

func NewS3BlobStore(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage.blobs.s3.bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" && cfg.Endpoint != "s3.amazonaws.com" {
			scheme := "https"
			if !cfg.UseSSL {
				scheme = "http"
			}
			o.BaseEndpoint = aws.String(scheme + "://" + cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	logger.Info("s3 blob store initialized",
		"endpoint", cfg.Endpoint,
		"region", region,
		"bucket", cfg.Bucket,
		"force_path_style", cfg.ForcePathStyle)
	return &S3BlobStore{client: client, bucket: cfg.Bucket, log: logger}, nil
}

// splitS3Metadata separates the keys S3 models as object headers from user
// metadata.
func splitS3Metadata(m map[string]string) (contentType, contentEncoding *string, user map[string]string) {
	user = map[string]string{}
	for k, v := range m {
		switch k {
		case MetaContentType:
			contentType = aws.String(v)
		case MetaContentEncoding:
			contentEncoding = aws.String(v)
		default:
			user[strings.ToLower(k)] = v
		}
	}
	return contentType, contentEncoding, user
}

// joinS3Metadata is the inverse of splitS3Metadata. User metadata keys come
// back lower-cased from S3; the known keys are restored to canonical form.
func joinS3Metadata(contentType, contentEncoding *string, user map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range user {
		if strings.EqualFold(k, MetaOriginURL) {
			k = MetaOriginURL
		}
		out[k] = v
	}
	if v := aws.ToString(contentType); v != "" {
		out[MetaContentType] = v
	}
	if v := aws.ToString(contentEncoding); v != "" {
		out[MetaContentEncoding] = v
	}
	return out
}

func (s *S3BlobStore) Upload(ctx context.Context, p string, data []byte, metadata map[string]string) (string, error) {
	ct, ce, user := splitS3Metadata(metadata)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(p),
		Body:            bytes.NewReader(data),
		ContentLength:   aws.Int64(int64(len(data))),
		ContentType:     ct,
		ContentEncoding: ce,
		Metadata:        user,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", p, err)
	}
	s.log.Debug("object stored", "bucket", s.bucket, "key", p, "size", len(data))
	return p, nil
}

func (s *S3BlobStore) Read(ctx context.Context, p string) (Blob, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return Blob{}, fmt.Errorf("blob %s: %w", p, ErrNotFound)
		}
		return Blob{}, fmt.Errorf("get object %s: %w", p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Blob{}, fmt.Errorf("read object %s: %w", p, err)
	}
	return Blob{Data: data, Metadata: joinS3Metadata(out.ContentType, out.ContentEncoding, out.Metadata)}, nil
}

func (s *S3BlobStore) Copy(ctx context.Context, from, to string, metadata map[string]string) (string, error) {
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.bucket + "/" + escapeS3Key(from)),
	}
	if metadata != nil {
		ct, ce, user := splitS3Metadata(metadata)
		in.MetadataDirective = types.MetadataDirectiveReplace
		in.ContentType = ct
		in.ContentEncoding = ce
		in.Metadata = user
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return "", fmt.Errorf("copy object %s -> %s: %w", from, to, err)
	}
	return to, nil
}

func escapeS3Key(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
