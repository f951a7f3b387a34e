// Package object is the cold-storage layer: evidence artifacts and retention
// exports in S3-compatible object storage, encrypted server-side under the
// platform KMS key, every object paired with a SHA-256 sidecar.
package object

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds object store settings. Endpoint is optional and enables
// MinIO/LocalStack style path addressing.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	KMSKeyID string
}

// api is the S3 client slice the store needs; tests substitute a fake.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store writes and reads cold-tier objects.
type Store struct {
	client   api
	bucket   string
	kmsKeyID string
	logger   *slog.Logger
}

// NewStore builds an S3-backed store.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		kmsKeyID: cfg.KMSKeyID,
		logger:   logger,
	}, nil
}

// NewStoreWithClient wires a prebuilt client, used by tests.
func NewStoreWithClient(client api, bucket, kmsKeyID string, logger *slog.Logger) *Store {
	return &Store{client: client, bucket: bucket, kmsKeyID: kmsKeyID, logger: logger}
}

// EvidenceKey is the canonical layout for evidence artifacts:
// cold/{tenant}/{YYYY}/{MM}/{DD}/{audit_id}/{kind}.json
func EvidenceKey(tenantID string, ts time.Time, auditID, kind string) string {
	ts = ts.UTC()
	return fmt.Sprintf("cold/%s/%04d/%02d/%02d/%s/%s.json",
		tenantID, ts.Year(), int(ts.Month()), ts.Day(), auditID, kind)
}

// ExportKey is the layout for monthly retention exports:
// cold/{tenant}/{YYYY-MM}/audit_records.jsonl
// Exports are JSON lines, one sealed record per line, verifiable against the
// hash sidecar without a columnar reader.
func ExportKey(tenantID string, month time.Time) string {
	return fmt.Sprintf("cold/%s/%04d-%02d/audit_records.jsonl",
		tenantID, month.UTC().Year(), int(month.UTC().Month()))
}

// PutJSON encodes v, uploads it under key with SSE-KMS and writes the
// .sha256 sidecar. It returns the content hash and the object URI.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (string, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", "", fmt.Errorf("encode object %s: %w", key, err)
	}
	return s.PutRaw(ctx, key, raw, "application/json")
}

// PutRaw uploads raw bytes under key with SSE-KMS plus the hash sidecar.
func (s *Store) PutRaw(ctx context.Context, key string, raw []byte, contentType string) (string, string, error) {
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if err := s.put(ctx, key, raw, contentType); err != nil {
		return "", "", err
	}
	if err := s.put(ctx, key+".sha256", []byte(hash), "text/plain"); err != nil {
		return "", "", fmt.Errorf("write sidecar: %w", err)
	}
	return hash, s.URI(key), nil
}

func (s *Store) put(ctx context.Context, key string, raw []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String(contentType),
	}
	if s.kmsKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get downloads one object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

// GetURI resolves a canonical URI produced by URI back to a key in this
// bucket and downloads the object.
func (s *Store) GetURI(ctx context.Context, uri string) ([]byte, error) {
	key, ok := strings.CutPrefix(uri, "s3://"+s.bucket+"/")
	if !ok || key == "" {
		return nil, fmt.Errorf("uri %s is not in bucket %s", uri, s.bucket)
	}
	return s.Get(ctx, key)
}

// VerifyObject re-downloads key, recomputes its hash and compares it with
// the sidecar. The weekly cold spot-check and the retention job both use it.
func (s *Store) VerifyObject(ctx context.Context, key string) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	sidecar, err := s.Get(ctx, key+".sha256")
	if err != nil {
		return false, fmt.Errorf("read sidecar: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == string(bytes.TrimSpace(sidecar)), nil
}

// VerifyURI resolves a canonical URI produced by URI back to a key in this
// bucket and verifies the object.
func (s *Store) VerifyURI(ctx context.Context, uri string) (bool, error) {
	key, ok := strings.CutPrefix(uri, "s3://"+s.bucket+"/")
	if !ok || key == "" {
		return false, fmt.Errorf("uri %s is not in bucket %s", uri, s.bucket)
	}
	return s.VerifyObject(ctx, key)
}

// URI renders the canonical object URI.
func (s *Store) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}
