package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gospawner/pkg/statestore"
)

const recordSuffix = ".json"

// Sentinel errors for bucket-level failures.
var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrUnavailable    = errors.New("object store unavailable")
)

// OpError wraps an S3 failure with the operation and key.
type OpError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("s3 session store %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("s3 session store %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Store is a statestore.Store over an S3 bucket.
//
// Object layout:
//
//	<prefix><user>.json
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ statestore.Store = (*Store)(nil)

// New creates a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &OpError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: normalizePrefix(prefix)}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func (s *Store) key(user string) string {
	return s.prefix + user + recordSuffix
}

func (s *Store) Save(ctx context.Context, rec *statestore.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	key := s.key(rec.User)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return s.wrapError("Save", key, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, user string) (*statestore.Record, error) {
	if err := (&statestore.Record{User: user}).Validate(); err != nil {
		return nil, err
	}
	return s.get(ctx, s.key(user))
}

func (s *Store) get(ctx context.Context, key string) (*statestore.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapError("Load", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Load", key, err)
	}
	var rec statestore.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse session record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, user string) error {
	if err := (&statestore.Record{User: user}).Validate(); err != nil {
		return err
	}
	key := s.key(user)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := s.wrapError("Delete", key, err)
		if statestore.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]statestore.Record, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var out []statestore.Record
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError("List", s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rest := strings.TrimPrefix(key, s.prefix)
			if !strings.HasSuffix(rest, recordSuffix) || strings.Contains(rest, "/") {
				continue
			}
			rec, err := s.get(ctx, key)
			if err != nil {
				if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrBucketNotFound) {
					return nil, err
				}
				continue
			}
			out = append(out, *rec)
		}
	}
	statestore.SortRecords(out)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

// wrapError maps S3 errors to statestore.ErrNotFound and the package
// sentinels.
func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &OpError{Op: op, Bucket: s.bucket, Key: key, Err: err}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		wrapped.Err = statestore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = statestore.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %s", ErrAccessDenied, apiErr.ErrorMessage())
		case "ServiceUnavailable", "InternalError", "SlowDown":
			wrapped.Err = fmt.Errorf("%w: %s", ErrUnavailable, apiErr.ErrorCode())
		}
	}
	return wrapped
}
