package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for testing.
type MockS3Client struct {
	mu sync.Mutex

	// Objects stores mock object content by key
	Objects map[string][]byte
	// Buckets stores the known buckets
	Buckets map[string]bool
	// Err, when set, is returned from every operation
	Err error

	// Call tracking
	PutObjectCalled    bool
	GetObjectCalled    bool
	DeleteObjectCalled bool
	LastBucket         string
	LastKey            string
}

// NewMockS3Client creates a new mock S3 client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string][]byte),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks checking bucket existence.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && !m.Buckets[*params.Bucket] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

// CreateBucket mocks bucket creation.
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks object upload.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject mocks object retrieval.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	data, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject mocks metadata retrieval.
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	data, ok := m.Objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// ListObjectsV2 mocks listing.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	prefix := aws.ToString(params.Prefix)
	keys := make([]string, 0, len(m.Objects))
	for key := range m.Objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(m.Objects[key]))),
		})
	}
	return out, nil
}

// DeleteObject mocks deletion.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}
