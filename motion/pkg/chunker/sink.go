package chunker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobSink is the recording chunk persistence capability (spec §4.8):
// put(session_id, chunk_index, chunk_bytes).
type BlobSink interface {
	Put(ctx context.Context, sessionID string, chunkIndex int, data []byte) error
}

// S3Sink is the default BlobSink, backed by AWS SDK v2.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink wraps an S3 client. Construct client with
// s3.NewFromConfig(cfg, opts...), optionally overriding BaseEndpoint for a
// test/dev S3-compatible endpoint.
func NewS3Sink(client *s3.Client, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

func (s *S3Sink) Put(ctx context.Context, sessionID string, chunkIndex int, data []byte) error {
	key := chunkKey(sessionID, chunkIndex)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("chunker: s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// LocalSpillSink is the bounded-retry fallback target required by spec
// §4.8, and a directly usable sink for tests and local/dev recording.
type LocalSpillSink struct {
	dir string
}

func NewLocalSpillSink(dir string) *LocalSpillSink {
	return &LocalSpillSink{dir: dir}
}

func (s *LocalSpillSink) Put(ctx context.Context, sessionID string, chunkIndex int, data []byte) error {
	dir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunker: spill mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk-%06d.bin", chunkIndex))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("chunker: spill write %s: %w", path, err)
	}
	return nil
}

func chunkKey(sessionID string, chunkIndex int) string {
	return fmt.Sprintf("%s/chunk-%06d.bin", sessionID, chunkIndex)
}
