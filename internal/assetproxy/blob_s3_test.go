package assetproxy

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoinS3Metadata(t *testing.T) {
	in := map[string]string{
		MetaContentType:     "text/css",
		MetaContentEncoding: "gzip",
		MetaOriginURL:       "http://cdn.example/a.css",
	}
	ct, ce, user := splitS3Metadata(in)
	assert.Equal(t, "text/css", aws.ToString(ct))
	assert.Equal(t, "gzip", aws.ToString(ce))
	assert.Equal(t, map[string]string{"origin-url": "http://cdn.example/a.css"}, user)

	assert.Equal(t, in, joinS3Metadata(ct, ce, user))

	ct, ce, user = splitS3Metadata(nil)
	assert.Nil(t, ct)
	assert.Nil(t, ce)
	assert.Empty(t, user)
	assert.Empty(t, joinS3Metadata(nil, nil, nil))
}

func TestEscapeS3Key(t *testing.T) {
	assert.Equal(t, "proxied/ab/a%20b.css", escapeS3Key("proxied/ab/a b.css"))
	assert.Equal(t, "proxied/ab/abc.css", escapeS3Key("proxied/ab/abc.css"))
}

func TestNewS3BlobStoreRequiresBucket(t *testing.T) {
	_, err := NewS3BlobStore(context.Background(), S3Config{}, discardLogger())
	assert.Error(t, err)
}

// TestS3BlobStoreIntegration runs against a real S3-compatible endpoint, for
// example a local MinIO:
//
//	ASSETPROXY_TEST_S3_ENDPOINT=localhost:9000 ASSETPROXY_TEST_S3_BUCKET=assets \
//	ASSETPROXY_TEST_S3_ACCESS_KEY=minioadmin ASSETPROXY_TEST_S3_SECRET_KEY=minioadmin go test ./...
func TestS3BlobStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("ASSETPROXY_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("ASSETPROXY_TEST_S3_ENDPOINT not set")
	}
	bucket := os.Getenv("ASSETPROXY_TEST_S3_BUCKET")
	if bucket == "" {
		bucket = "assetproxy-test"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewS3BlobStore(ctx, S3Config{
		Endpoint:        endpoint,
		Bucket:          bucket,
		AccessKeyID:     os.Getenv("ASSETPROXY_TEST_S3_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("ASSETPROXY_TEST_S3_SECRET_KEY"),
		ForcePathStyle:  true,
	}, discardLogger())
	require.NoError(t, err)

	_, _ = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})

	key := "proxied/te/" + HashOrigin(t.Name()+time.Now().String()) + ".css"
	meta := map[string]string{MetaContentType: "text/css", MetaOriginURL: "http://cdn.example/a.css"}
	p, err := s.Upload(ctx, key, []byte(".a{}"), meta)
	require.NoError(t, err)

	b, err := s.Read(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ".a{}", string(b.Data))
	assert.Equal(t, meta, b.Metadata)

	copied, err := s.Copy(ctx, p, p+".copy", map[string]string{MetaContentType: "text/plain"})
	require.NoError(t, err)
	b, err = s.Read(ctx, copied)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", b.Metadata[MetaContentType])

	_, err = s.Read(ctx, key+".missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
