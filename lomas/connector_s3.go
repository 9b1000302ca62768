package lomas

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client interface the connector uses.
// This enables testing with mock implementations.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Connector streams one object from an S3-compatible store and parses it
// as a dataset file. Works against AWS S3, MinIO, LocalStack, and R2; the
// injected client carries endpoint and credentials.
type s3Connector struct {
	connectorBase
	client S3API
	loc    S3Location
	format fileFormat
}

// NewS3Connector creates a lazy connector over an S3 object. The file
// format is resolved from the object key immediately; no request is sent
// until the first Load.
func NewS3Connector(dataset DatasetName, client S3API, loc *S3Location, md *Metadata) (DataConnector, error) {
	format, err := formatForPath(loc.Key)
	if err != nil {
		return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q", dataset), Err: err}
	}
	return &s3Connector{
		connectorBase: connectorBase{dataset: dataset, md: md},
		client:        client,
		loc:           *loc,
		format:        format,
	}, nil
}

func (c *s3Connector) Load(ctx context.Context) (*Table, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.table != nil {
		return c.table, nil
	}

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.loc.Bucket),
		Key:    aws.String(c.loc.Key),
	})
	if err != nil {
		return nil, &InternalServerError{
			Message: fmt.Sprintf("dataset %q backend unavailable", c.dataset),
			Err:     classifyS3Error(err),
		}
	}
	defer closer(out.Body)()

	table, err := decodeTable(out.Body, c.format, c.md)
	if err != nil {
		return nil, &InternalServerError{Message: fmt.Sprintf("dataset %q backend unavailable", c.dataset), Err: err}
	}

	c.table = table
	c.publish(table)
	return table, nil
}

// classifyS3Error keeps the original error chain but normalizes the common
// not-found cases to a readable message.
func classifyS3Error(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("object not found: %w", err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("bucket not found: %w", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NotFound" || code == "NoSuchKey" || code == "404" {
			return fmt.Errorf("object not found: %w", err)
		}
	}
	return err
}
