// Package archive uploads verified raw webhook bodies to S3 for audit.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbourn/inbox-ai-pipeline/internal/domain"
)

// Config describes the target bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// Putter is the subset of *s3.Client used here.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores one object per delivery under
// <channel>/<yyyy>/<mm>/<dd>/<uuid>.json.
type S3Archiver struct {
	Client  Putter
	Bucket  string
	Log     zerolog.Logger
	Timeout time.Duration
	Now     func() time.Time

	wg sync.WaitGroup
}

// NewS3Client builds an S3 client from static credentials. An empty
// Endpoint uses AWS; a custom one (MinIO, R2) usually wants PathStyle.
func NewS3Client(cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		UsePathStyle: cfg.PathStyle || strings.Contains(cfg.Bucket, "."),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
	}
	return s3.New(opts), nil
}

// NewS3Archiver wires an archiver for cfg.
func NewS3Archiver(cfg Config, log zerolog.Logger) (*S3Archiver, error) {
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{
		Client: client,
		Bucket: cfg.Bucket,
		Log:    log.With().Str("component", "archive").Logger(),
	}, nil
}

// Key returns the object key for a delivery received at t.
func Key(ch domain.Channel, t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", ch, t.Year(), int(t.Month()), t.Day(), id)
}

// Store uploads body synchronously and returns its key.
func (a *S3Archiver) Store(ctx context.Context, ch domain.Channel, body []byte) (string, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	key := Key(ch, now(), uuid.NewString())
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"channel": string(ch)},
	})
	if err != nil {
		return "", fmt.Errorf("archive put %s: %w", key, err)
	}
	return key, nil
}

// Archive uploads body in the background; failures are only logged.
func (a *S3Archiver) Archive(ctx context.Context, ch domain.Channel, body []byte) {
	if a == nil || a.Client == nil {
		return
	}
	cp := append([]byte(nil), body...)
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		key, err := a.Store(ctx, ch, cp)
		if err != nil {
			a.Log.Warn().Err(err).Str("channel", string(ch)).Msg("raw payload archive failed")
			return
		}
		a.Log.Debug().Str("key", key).Msg("raw payload archived")
	}()
}

// Wait blocks until background uploads finish.
func (a *S3Archiver) Wait() {
	if a != nil {
		a.wg.Wait()
	}
}
