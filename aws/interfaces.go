// Package aws narrows the AWS SDK clients used across the dispatcher to the
// handful of methods each caller actually needs, following gurre/ddb-pitr's
// pattern of small capability interfaces plus compile-time checks that both
// the concrete wrapper and the real SDK client satisfy them.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DynamoDBClient is the subset of the DynamoDB client used by resultmirror.
type DynamoDBClient interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// S3Client is the subset of the S3 client used by checkpoint.S3Store and
// inputsource.S3Reader.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Compile-time checks that the real SDK clients satisfy these interfaces.
var (
	_ DynamoDBClient = (*dynamodb.Client)(nil)
	_ S3Client       = (*s3.Client)(nil)
)
