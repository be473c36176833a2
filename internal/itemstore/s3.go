package itemstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3/MinIO connection configuration.
type S3Config struct {
	// Endpoint for MinIO (e.g., "minio.mentatlab.svc:9000")
	// Leave empty for AWS S3
	Endpoint string

	// Bucket name
	Bucket string

	// Region (required for AWS S3, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL enables HTTPS for custom endpoints
	UseSSL bool

	// PathPrefix is prepended to all object keys
	PathPrefix string
}

// NewS3Client creates an S3 client for cfg.
func NewS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// S3Store implements Store with one JSON object per item at
// <prefix>/<table>/<id>.json.
type S3Store[T any] struct {
	hooks[T]

	client S3API
	bucket string
	prefix string
	table  string
}

// NewS3Store creates a store for table in bucket.
func NewS3Store[T any](client S3API, bucket, prefix, table string) *S3Store[T] {
	return &S3Store[T]{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		table:  table,
	}
}

func (s *S3Store[T]) Table() string { return s.table }

func (s *S3Store[T]) dir() string {
	if s.prefix == "" {
		return s.table + "/"
	}
	return s.prefix + "/" + s.table + "/"
}

func (s *S3Store[T]) key(id string) string {
	return s.dir() + id + ".json"
}

// Get retrieves an item by id.
func (s *S3Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return zero, fmt.Errorf("read object: %w", err)
	}
	return decode[T](data)
}

// Set uploads an item.
func (s *S3Store[T]) Set(ctx context.Context, id string, item T) error {
	data, err := encode(item)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	s.notifyChanged(id, item)
	return nil
}

// Delete removes an item.
func (s *S3Store[T]) Delete(ctx context.Context, id string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("head object: %w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	s.notifyDeleted(id)
	return nil
}

// List returns stored ids.
func (s *S3Store[T]) List(ctx context.Context, opts *ListOptions) ([]string, error) {
	dir := s.dir()
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(dir),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dir)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}

	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return paginate(ids, opts), nil
}

// Close is a no-op for the S3 store.
func (s *S3Store[T]) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
