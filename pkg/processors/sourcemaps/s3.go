package sourcemaps

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client creates a client for loc using the default AWS credential
// chain. If loc.Endpoint is set, path-style addressing is enabled.
func NewS3Client(ctx context.Context, loc S3Location) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if loc.Region != "" {
		opts = append(opts, awsconfig.WithRegion(loc.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if loc.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(loc.Endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3opts...), nil
}
