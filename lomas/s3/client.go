// Package s3 builds S3 clients for S3-backed datasets.
//
// It supports AWS S3 as well as S3-compatible object stores (MinIO,
// LocalStack, Cloudflare R2) through custom endpoints and path-style
// addressing. The resulting client is injected into the dataset store; the
// core never loads credentials itself.
package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds what the gateway needs to reach one S3-compatible
// endpoint.
type ClientConfig struct {
	// Region is the AWS region (required by the SDK even for
	// S3-compatible services; use "auto" or any value they accept).
	Region string

	// Endpoint is an optional custom endpoint URL, e.g.
	// "http://localhost:9000" for MinIO.
	Endpoint string

	// UsePathStyle enables path-style addressing, required by most
	// S3-compatible services.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials.
	// When both are empty the default credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates an S3 client from the given configuration.
//
// For AWS S3 with ambient credentials:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{Region: "eu-central-2"})
//
// For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:          "us-east-1",
//	    Endpoint:        "http://localhost:9000",
//	    UsePathStyle:    true,
//	    AccessKeyID:     "minioadmin",
//	    SecretAccessKey: "minioadmin",
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}
