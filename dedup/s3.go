package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/opencontainers/go-digest"
)

const (
	numLookupRetries = 2
	lookupRetryWait  = time.Second

	// Object metadata keys describing the stored file.
	metadataID       = "id"
	metadataFilename = "filename"
)

// S3Params ...
type S3Params struct {
	Region string
	Bucket string
	// Prefix is prepended to the hex digest to form the object key, e.g. "blobs/".
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string

	// UploadURL and Token are handed to the Sender for content the bucket does not have.
	UploadURL string
	Token     string
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Index finds already uploaded content by looking up objects keyed by their digest.
type S3Index struct {
	client    s3API
	bucket    string
	prefix    string
	uploadURL string
	token     string
	retryWait time.Duration
	logger    log.Logger
}

// NewS3Index ...
func NewS3Index(ctx context.Context, params S3Params, logger log.Logger) (*S3Index, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	if params.UploadURL == "" {
		return nil, fmt.Errorf("UploadURL must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Index(s3.NewFromConfig(*cfg), params, logger), nil
}

func newS3Index(client s3API, params S3Params, logger log.Logger) *S3Index {
	return &S3Index{
		client:    client,
		bucket:    params.Bucket,
		prefix:    params.Prefix,
		uploadURL: params.UploadURL,
		token:     params.Token,
		retryWait: lookupRetryWait,
		logger:    logger,
	}
}

// Lookup implements sender.Deduplicator.
func (i *S3Index) Lookup(ctx context.Context, d digest.Digest, filename string) (sender.FileState, error) {
	key := i.prefix + d.Encoded()

	var head *s3.HeadObjectOutput
	err := retry.Times(numLookupRetries).Wait(i.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			i.logger.Debugf("Retrying lookup of %s (attempt %d)", key, attempt)
		}

		out, err := i.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(i.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, true
			}
			if ctx.Err() != nil {
				return ctx.Err(), true
			}
			return fmt.Errorf("head object %s: %w", key, err), false
		}

		head = out
		return nil, true
	})
	if err != nil {
		return sender.FileState{}, err
	}

	if head == nil {
		i.logger.Debugf("%s not found in bucket %s", key, i.bucket)
		return sender.ToUpload(i.uploadURL, i.token), nil
	}

	return sender.AlreadyExisting(fileNode(head, d, filename)), nil
}

func fileNode(head *s3.HeadObjectOutput, d digest.Digest, filename string) *chunk.FileNode {
	node := &chunk.FileNode{
		ID:       d.Encoded(),
		Type:     "file",
		Name:     filename,
		Size:     aws.ToInt64(head.ContentLength),
		MimeType: aws.ToString(head.ContentType),
	}
	if id := head.Metadata[metadataID]; id != "" {
		node.ID = id
	}
	if name := head.Metadata[metadataFilename]; name != "" {
		node.Name = name
	}
	if head.LastModified != nil {
		node.LastUpdateDate = head.LastModified.UnixMilli()
	}
	return node
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiError smithy.APIError
	return errors.As(err, &apiError) && apiError.ErrorCode() == "NotFound"
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
