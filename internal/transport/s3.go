package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/contemptx/usenetsync-sub001/internal/core"
)

// S3Transport posts payloads as objects in an S3 bucket. The locator is
// the object key (prefix included), so any client with bucket access can
// fetch by locator alone.
type S3Transport struct {
	client *s3.Client
	bucket string
	prefix string
	ids    core.IDGenerator
}

// NewS3Transport creates a transport over an existing S3 client. A nil id
// generator falls back to random UUIDs.
func NewS3Transport(client *s3.Client, bucket, prefix string, ids core.IDGenerator) (*S3Transport, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 transport requires a bucket")
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	return &S3Transport{client: client, bucket: bucket, prefix: prefix, ids: ids}, nil
}

// NewS3TransportFromRegion builds the S3 client for the given region. An
// empty key pair falls back to the ambient AWS credential chain.
func NewS3TransportFromRegion(ctx context.Context, region, bucket, prefix, accessKey, secretKey string) (*S3Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewS3Transport(s3.NewFromConfig(awsCfg), bucket, prefix, nil)
}

var _ core.Transport = (*S3Transport)(nil)

func (t *S3Transport) Post(ctx context.Context, payload []byte, meta core.RoutingMeta) (string, error) {
	locator := t.prefix + meta.Kind + "-" + t.ids.New()
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(locator),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return "", classifyS3Error("post", err)
	}
	return locator, nil
}

func (t *S3Transport) Fetch(ctx context.Context, locator string) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(locator),
	})
	if err != nil {
		return nil, classifyS3Error("fetch", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &core.TransientTransportError{Op: "fetch", Err: err}
	}
	return payload, nil
}

// classifyS3Error maps SDK failures onto the transport error taxonomy.
// A missing key will never appear later, everything else may.
func classifyS3Error(op string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return &core.TerminalTransportError{Op: op, Err: err}
	}
	return &core.TransientTransportError{Op: op, Err: err}
}
