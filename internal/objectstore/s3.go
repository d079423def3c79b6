package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config selects the region and endpoint of the S3 client.
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3 maps collections to buckets.
type S3 struct {
	api  S3API
	opts Options
}

// NewS3 wraps an existing client.
func NewS3(api S3API, opts Options) *S3 {
	return &S3{api: api, opts: opts}
}

// NewS3FromConfig builds an S3 client from the default credential chain.
func NewS3FromConfig(ctx context.Context, cfg S3Config, opts Options) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3(client, opts), nil
}

// Get implements Client.
func (s *S3) Get(ctx context.Context, collection, key, version string) (*Object, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(collection),
		Key:    aws.String(key),
	}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	out, err := s.api.GetObject(ctx, input)
	if err != nil {
		return nil, s.mapError(err, collection, key, version)
	}
	defer out.Body.Close()

	if s.opts.MaxObjectBytes > 0 && aws.ToInt64(out.ContentLength) > s.opts.MaxObjectBytes {
		return nil, s.opts.tooLarge(collection, key)
	}

	data, err := s.opts.readLimited(out.Body, collection, key)
	if err != nil {
		return nil, s.mapError(err, collection, key, version)
	}

	return &Object{
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		Metadata:    cloneMetadata(out.Metadata),
		Version:     aws.ToString(out.VersionId),
	}, nil
}

// Put implements Client.
func (s *S3) Put(ctx context.Context, collection, key string, obj *Object) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(collection),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(obj.ContentType),
		Metadata:      obj.Metadata,
	})
	if err != nil {
		return s.mapError(err, collection, key, "")
	}
	return nil
}

// Stat implements Client.
func (s *S3) Stat(ctx context.Context, collection, key string) (*Info, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(collection),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.mapError(err, collection, key, "")
	}

	return &Info{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    cloneMetadata(out.Metadata),
		Version:     aws.ToString(out.VersionId),
	}, nil
}

func (s *S3) mapError(err error, collection, key, version string) error {
	if errors.Is(err, domain.ErrObjectTooLarge) {
		return err
	}

	var noSuchKey *types.NoSuchKey
	var notFoundErr *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFoundErr) {
		return notFound(collection, key, version)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchVersion", "NoSuchBucket":
			return notFound(collection, key, version)
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s/%s: %v", domain.ErrPermissionDenied, collection, key, err)
		}
	}

	return domain.Transient(domain.ErrStoreUnavailable, err)
}
