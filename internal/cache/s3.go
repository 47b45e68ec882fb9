package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

type S3Config struct {
	Bucket string
	Prefix string
}

// S3Backend stores <prefix>/<tool>/<hash> and <prefix>/<tool>/<hash>.meta.
// Single object PUTs are atomic; the metadata object goes first so a
// visible payload always has its metadata.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
	logger *zap.Logger
}

var _ Backend = (*S3Backend)(nil)

func NewS3Backend(client S3API, cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	if client == nil {
		return nil, errors.New("s3 backend: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backend: bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("s3"),
	}, nil
}

func (b *S3Backend) key(fp Fingerprint) string {
	if b.prefix == "" {
		return fp.Path()
	}
	return b.prefix + "/" + fp.Path()
}

func (b *S3Backend) listPrefix() string {
	if b.prefix == "" {
		return ""
	}
	return b.prefix + "/"
}

func (b *S3Backend) Get(ctx context.Context, fp Fingerprint) (*Entry, bool, error) {
	if err := fp.Validate(); err != nil {
		return nil, false, err
	}

	key := b.key(fp)
	payload, found, err := b.getObject(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	raw, found, err := b.getObject(ctx, key+metaSuffix)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, fmt.Errorf("%w: payload without metadata", errCorruptEntry)
	}
	meta, err := decodeMetadata(raw)
	if err != nil {
		return nil, false, err
	}

	return &Entry{Fingerprint: fp, Payload: payload, Meta: meta}, true, nil
}

func (b *S3Backend) getObject(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3 read %s: %w", key, err)
	}
	return data, true, nil
}

func (b *S3Backend) Put(ctx context.Context, e *Entry) error {
	if err := e.Fingerprint.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(e.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	key := b.key(e.Fingerprint)
	if err := b.putObject(ctx, key+metaSuffix, meta, "application/json"); err != nil {
		return err
	}
	return b.putObject(ctx, key, e.Payload, "application/octet-stream")
}

func (b *S3Backend) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, fp Fingerprint) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	key := b.key(fp)
	for _, k := range []string{key, key + metaSuffix} {
		if err := b.deleteObject(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Backend) deleteObject(ctx context.Context, key string) error {
	// DeleteObject succeeds for missing keys.
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// Clear deletes every object under the prefix.
func (b *S3Backend) Clear(ctx context.Context) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket)}
	if p := b.listPrefix(); p != "" {
		input.Prefix = aws.String(p)
	}

	deleted := 0
	pager := s3.NewListObjectsV2Paginator(b.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			if err := b.deleteObject(ctx, aws.ToString(obj.Key)); err != nil {
				return err
			}
			deleted++
		}
	}

	b.logger.Info("s3 cache cleared",
		zap.String("bucket", b.bucket),
		zap.String("prefix", b.prefix),
		zap.Int("objects", deleted),
	)
	return nil
}

func (b *S3Backend) Close() error { return nil }
