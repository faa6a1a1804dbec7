package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mathopoulos/hkextract"
)

const s3Scheme = "s3://"

// ObjectGetter is the part of the S3 client used to stream exports.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 opens s3://bucket/key locations. Objects are streamed as is, so uploads
// must be the extracted export.xml rather than the zip archive.
type S3 struct {
	Client ObjectGetter
}

// NewS3 returns an S3 opener using the default AWS credential chain.
func NewS3(ctx context.Context, region string) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3{Client: s3.NewFromConfig(cfg)}, nil
}

func (s *S3) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hkextract.ErrSourceUnavailable, err)
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", hkextract.ErrSourceUnavailable, location, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return sized{ReadCloser: out.Body, size: size}, nil
}

// ParseS3URL splits s3://bucket/key into its bucket and key.
func ParseS3URL(location string) (bucket, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", location, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not an s3:// url", location)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q has no object key", location)
	}
	return u.Host, key, nil
}
