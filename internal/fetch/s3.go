package fetch

import (
	"context"
	"errors"
	"net/http"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/fault"
)

// S3 reads a published bundle snapshot from an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	key    string
}

// S3Option configures the underlying client.
type S3Option func(*s3Settings)

type s3Settings struct {
	httpClient   *http.Client
	accessKey    string
	secretKey    string
	sessionToken string
}

// WithS3HTTPClient overrides the SDK transport.
func WithS3HTTPClient(c *http.Client) S3Option {
	return func(s *s3Settings) { s.httpClient = c }
}

// WithStaticCredentials bypasses the default credential chain.
func WithStaticCredentials(accessKey, secretKey, sessionToken string) S3Option {
	return func(s *s3Settings) {
		s.accessKey, s.secretKey, s.sessionToken = accessKey, secretKey, sessionToken
	}
}

// NewS3 creates an S3 fetcher. A custom endpoint (MinIO, LocalStack)
// switches the client to path-style addressing.
func NewS3(ctx context.Context, cfg config.S3Config, opts ...S3Option) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fault.New(fault.CodeInvalid, "fetch.s3", "bucket required")
	}
	if cfg.Key == "" {
		return nil, fault.New(fault.CodeInvalid, "fetch.s3", "key required")
	}
	var st s3Settings
	for _, opt := range opts {
		opt(&st)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if st.accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(st.accessKey, st.secretKey, st.sessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInvalid, "fetch.s3", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if st.httpClient != nil {
			o.HTTPClient = st.httpClient
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (s *S3) Source() string { return "s3://" + s.bucket + "/" + s.key }

// Fetch downloads the snapshot object. since is ignored.
func (s *S3) Fetch(ctx context.Context, _ string) (*Payload, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.s3", Message: "interrupted", Err: err}
		}
		return nil, &fault.Error{Code: fault.CodeTransport, Op: "fetch.s3", Message: "get " + s.Source(), Err: err}
	}
	hint := s.key
	if out.ContentType != nil && *out.ContentType != "" && *out.ContentType != "binary/octet-stream" {
		hint = *out.ContentType
	}
	return &Payload{Body: out.Body, Hint: hint}, nil
}
