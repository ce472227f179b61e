package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

// ObjectAPI is the subset of the S3 client used to check and read existing
// archives. Satisfied by *s3.Client.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink archives to an S3 bucket under a key prefix.
type S3Sink struct {
	objects  ObjectAPI
	uploader Uploader
	bucket   string
	prefix   string
}

// NewS3Sink creates an S3Sink from explicit clients.
func NewS3Sink(objects ObjectAPI, uploader Uploader, bucket, prefix string) *S3Sink {
	return &S3Sink{
		objects:  objects,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// NewS3SinkFromEnv builds an S3Sink using the default AWS credential chain.
func NewS3SinkFromEnv(ctx context.Context, region, bucket, prefix string) (*S3Sink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3Sink(client, manager.NewUploader(client), bucket, prefix), nil
}

func (s *S3Sink) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Exists implements Sink.
func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", s.key(key), err)
}

// Lines implements Sink.
func (s *S3Sink) Lines(ctx context.Context, key string) ([]string, error) {
	out, err := s.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key(key), err)
	}
	defer out.Body.Close()
	return decodeLines(out.Body)
}

// Write implements Sink. S3 puts are atomic per object.
func (s *S3Sink) Write(ctx context.Context, key string, part store.Partition) error {
	var buf bytes.Buffer
	if err := encodePartition(&buf, part); err != nil {
		return err
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key(key)),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", s.key(key), err)
	}
	return nil
}
