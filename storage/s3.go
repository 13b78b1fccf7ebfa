package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the object store backend. Endpoint and PathStyle
// support MinIO and other S3-compatible stores.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3 is an object-store Backend. All paths are object keys inside one
// bucket.
type S3 struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3 builds the backend from config, verifying (and if necessary
// creating) the bucket.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle // required for MinIO
		o.HTTPClient = &http.Client{}
	})

	backend := &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}

	if err := backend.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return backend, nil
}

// NewS3WithClient builds the backend around an injected client. Used by
// tests with the mock client; the multipart uploader is disabled.
func NewS3WithClient(client S3Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func (b *S3) ensureBucket(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err == nil {
		return nil
	}

	_, err = b.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", b.bucket, err)
	}
	return nil
}

// ReadJSON implements Backend.
func (b *S3) ReadJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	data, err := b.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON at %s: %w", path, err)
	}
	return doc, nil
}

// WriteJSON implements Backend.
func (b *S3) WriteJSON(ctx context.Context, path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON for %s: %w", path, err)
	}
	return b.putObject(ctx, path, bytes.NewReader(data), "application/json")
}

// ReadFile implements Backend.
func (b *S3) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", b.bucket, path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of s3://%s/%s: %w", b.bucket, path, err)
	}
	return data, nil
}

// WriteFile implements Backend. Large uploads go through the multipart
// uploader when available.
func (b *S3) WriteFile(ctx context.Context, path string, content io.Reader) error {
	return b.putObject(ctx, path, content, "")
}

func (b *S3) putObject(ctx context.Context, path string, content io.Reader, contentType string) error {
	if b.uploader != nil {
		input := &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(path),
			Body:   content,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		if _, err := b.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("failed to upload s3://%s/%s: %w", b.bucket, path, err)
		}
		return nil
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   content,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", b.bucket, path, err)
	}
	return nil
}

// ListFiles implements Backend.
func (b *S3) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	var continuation *string

	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", b.bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				paths = append(paths, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	return paths, nil
}

// DeletePath implements Backend. A path ending in "/" (or matching multiple
// keys) is treated as a prefix and every object under it is removed.
func (b *S3) DeletePath(ctx context.Context, path string) error {
	keys, err := b.ListFiles(ctx, path)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		keys = []string{path}
	}

	for _, key := range keys {
		if !strings.HasPrefix(key, path) {
			continue
		}
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isS3NotFound(err) {
			return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
		}
	}
	return nil
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
