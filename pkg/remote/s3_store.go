package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// S3Config configures an S3Store.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
	// Endpoint overrides the AWS endpoint for S3 compatible services.
	Endpoint string `yaml:"endpoint"`
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// S3Store keeps objects in an S3 bucket under an optional key prefix.
// Object ids are the object names without the key prefix.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store loads the default AWS configuration and creates a store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("remote: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("remote: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3StoreWithClient creates a store around an existing client.
func NewS3StoreWithClient(client S3API, bucket, keyPrefix string) *S3Store {
	if keyPrefix != "" && !strings.HasSuffix(keyPrefix, "/") {
		keyPrefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: keyPrefix}
}

func (c *S3Store) key(name string) string { return c.prefix + name }

func (c *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	log.Debug().
		Str("bucket", c.bucket).
		Str("prefix", prefix).
		Msg("S3 LIST")

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("remote: S3 ListObjectsV2 failed: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), c.prefix)
			objects = append(objects, Object{Name: name, ID: name, Size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

func (c *S3Store) Put(ctx context.Context, name string, body io.Reader, size int64) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	log.Debug().
		Str("bucket", c.bucket).
		Str("key", c.key(name)).
		Int64("size", size).
		Msg("S3 PUT")

	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := c.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("remote: S3 PutObject failed: %w", err)
	}
	return name, nil
}

func (c *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	log.Debug().
		Str("bucket", c.bucket).
		Str("key", c.key(id)).
		Msg("S3 GET")

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("remote: S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: failed to read S3 object: %w", err)
	}
	return data, nil
}

// Delete checks for the object first because DeleteObject succeeds for
// missing keys.
func (c *S3Store) Delete(ctx context.Context, id string) error {
	log.Debug().
		Str("bucket", c.bucket).
		Str("key", c.key(id)).
		Msg("S3 DELETE")

	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("remote: S3 HeadObject failed: %w", err)
	}

	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id)),
	}); err != nil {
		return fmt.Errorf("remote: S3 DeleteObject failed: %w", err)
	}
	return nil
}

// isNotFound recognises both the typed NoSuchKey error and the bare
// NotFound code HeadObject returns.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
