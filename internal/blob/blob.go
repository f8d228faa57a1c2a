// Package blob uploads media bytes and returns a retrievable URL.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrEmpty is returned for zero-length uploads.
var ErrEmpty = errors.New("blob: empty payload")

// Uploader stores media and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte) (url string, err error)
}

// PutObjectAPI is the subset of the S3 client used by S3Uploader.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an S3Uploader.
type Options struct {
	Bucket string
	Region string
	Prefix string
	// BaseURL overrides the public URL prefix; defaults to the virtual-hosted bucket URL.
	BaseURL         string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Uploader writes objects to an S3 bucket.
type S3Uploader struct {
	client PutObjectAPI
	opts   Options
	now    func() time.Time
}

// NewS3 builds an uploader from the default AWS credential chain, or from static
// keys when both are configured.
func NewS3(ctx context.Context, opts Options) (*S3Uploader, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), opts), nil
}

// NewS3WithClient builds an uploader over an existing client.
func NewS3WithClient(client PutObjectAPI, opts Options) *S3Uploader {
	return &S3Uploader{client: client, opts: opts, now: time.Now}
}

// Upload stores data under a unique key and returns its public URL.
func (u *S3Uploader) Upload(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	mt := mimetype.Detect(data)
	key := u.key(mt.Extension())
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mt.String()),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return u.url(key), nil
}

func (u *S3Uploader) key(ext string) string {
	name := fmt.Sprintf("%d_%s%s", u.now().UnixNano(), uuid.NewString(), ext)
	if u.opts.Prefix == "" {
		return name
	}
	return strings.TrimSuffix(u.opts.Prefix, "/") + "/" + name
}

func (u *S3Uploader) url(key string) string {
	if u.opts.BaseURL != "" {
		return strings.TrimSuffix(u.opts.BaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.opts.Bucket, u.opts.Region, key)
}

// Unavailable rejects every upload; used when no bucket is configured.
type Unavailable struct{}

func (Unavailable) Upload(context.Context, []byte) (string, error) {
	return "", errors.New("blob: storage not configured")
}
