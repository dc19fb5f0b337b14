package awsutil

import (
	"bytes"
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectWriter stores immutable objects.
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

type S3Client struct {
	client *s3.Client
}

func NewS3Client(cfg sdkaws.Config) *S3Client {
	return &S3Client{client: s3.NewFromConfig(cfg, func(o *s3.Options) {
		// LocalStack only serves path-style requests.
		o.UsePathStyle = cfg.BaseEndpoint != nil
	})}
}

func (c *S3Client) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        sdkaws.String(bucket),
		Key:           sdkaws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   sdkaws.String(contentType),
		ContentLength: sdkaws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s/%s: %w", bucket, key, err)
	}
	return nil
}
