package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const fileRefPrefix = "sha256:"

// contentRef derives the content-addressed file_ref for data.
func contentRef(data []byte) (ref, hash string) {
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])
	return fileRefPrefix + hash, hash
}

func parseRef(fileRef string) (string, error) {
	hash, ok := strings.CutPrefix(fileRef, fileRefPrefix)
	if !ok || len(hash) != sha256.Size*2 {
		return "", fmt.Errorf("invalid file_ref %q", fileRef)
	}
	return hash, nil
}

type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BlobStore keeps receipt files in S3 under their SHA-256 hash, so uploading
// the same file twice yields the same file_ref.
type S3BlobStore struct {
	client s3API
	bucket string
	prefix string
}

// S3BlobStoreConfig holds configuration for S3BlobStore.
type S3BlobStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// NewS3BlobStore creates an S3-backed blob store using the default AWS
// credential chain.
func NewS3BlobStore(ctx context.Context, cfg S3BlobStoreConfig) (*S3BlobStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3BlobStore) key(hash string) string {
	return s.prefix + hash
}

// Put uploads data unless an object with the same content already exists.
func (s *S3BlobStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	ref, hash := contentRef(data)
	key := s.key(hash)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return ref, nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"original-name": name},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return ref, nil
}

// Exists reports whether fileRef has been uploaded.
func (s *S3BlobStore) Exists(ctx context.Context, fileRef string) (bool, error) {
	hash, err := parseRef(fileRef)
	if err != nil {
		return false, nil
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if stderrors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed for %s: %w", fileRef, err)
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	name        string
	contentType string
	data        []byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryBlobStore) Put(_ context.Context, name, contentType string, data []byte) (string, error) {
	ref, _ := contentRef(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = memoryBlob{name: name, contentType: contentType, data: bytes.Clone(data)}
	}
	return ref, nil
}

func (s *MemoryBlobStore) Exists(_ context.Context, fileRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[fileRef]
	return ok, nil
}
