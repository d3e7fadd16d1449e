// Package archive uploads exported evidence bundles to object storage so
// external auditors can fetch them without touching the service.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores an evidence bundle and returns its object key.
type Archiver interface {
	ArchiveBundle(ctx context.Context, planID string, bundle []byte) (string, error)
}

// S3Archiver writes bundles to s3://<bucket>/<prefix>/evidence/YYYY/MM/DD/<planID>.json.
type S3Archiver struct {
	bucket string
	prefix string
	client *s3.Client
	now    func() time.Time
}

// NewS3Archiver builds an archiver using ambient AWS configuration
// (AWS_REGION, credentials chain).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket: bucket,
		prefix: prefix,
		client: s3.NewFromConfig(cfg),
		now:    time.Now,
	}, nil
}

func (a *S3Archiver) ArchiveBundle(ctx context.Context, planID string, bundle []byte) (string, error) {
	if planID == "" {
		return "", fmt.Errorf("plan id required")
	}
	ts := a.now().UTC()
	key := path.Join(a.prefix, "evidence", ts.Format("2006/01/02"), planID+".json")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(bundle),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put evidence bundle: %w", err)
	}
	return key, nil
}
