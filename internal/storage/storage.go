// Package storage spills oversized research attachments to an
// S3/Tigris-compatible object store: content above the inline-attachment
// cap is written under a content-addressed key and only the key is
// carried through job params and the knowledge base.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/deepresearch/orchestrator/internal/errs"
)

// Config configures the object-storage client.
type Config struct {
	Enabled    bool
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
}

// Store spills and retrieves oversized attachment bodies.
type Store struct {
	enabled bool
	bucket  string
	client  *s3.Client
}

// New builds a Store. When cfg.Enabled is false, Put/Get return a
// clear error rather than silently no-op'ing, so a misconfigured
// deployment fails loudly the first time it needs spillover.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if !cfg.Enabled {
		return &Store{enabled: false}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load aws config for object storage", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Store{enabled: true, bucket: cfg.Bucket, client: client}, nil
}

// IsEnabled reports whether object storage is configured.
func (s *Store) IsEnabled() bool { return s.enabled }

// Put uploads content under a content-addressed key derived from name
// and the content hash, and returns the object key.
func (s *Store) Put(ctx context.Context, name string, content []byte) (string, error) {
	if !s.enabled {
		return "", errs.New(errs.KindStoragePermanent, "object storage not configured, cannot spill oversized attachment")
	}
	sum := sha256.Sum256(content)
	key := fmt.Sprintf("attachments/%s/%s", hex.EncodeToString(sum[:8]), name)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return "", errs.Wrap(errs.KindStorageTransient, "upload attachment to object storage", err)
	}
	return key, nil
}

// Get downloads the content stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.enabled {
		return nil, errs.New(errs.KindStoragePermanent, "object storage not configured")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "download attachment from object storage", err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, errs.Wrap(errs.KindStorageTransient, "read attachment body", err)
	}
	return buf.Bytes(), nil
}
