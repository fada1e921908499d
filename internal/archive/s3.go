// internal/archive/s3.go
// Package archive copies aggregated days to S3-compatible object storage.
// Each device/day becomes one JSON-lines object so that raw entries can be
// replayed or analysed outside the document store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"

	"github.com/RegistryAccord/registryaccord-telemetry-go/internal/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver stores the entries of one device/day.
type Archiver interface {
	ArchiveDay(ctx context.Context, deviceID, day string, entries []storage.Document) error
}

// objectAPI is the part of the S3 client the archiver uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes day archives to a bucket.
type S3Archiver struct {
	client objectAPI // AWS S3 client
	bucket string    // Target bucket
	prefix string    // Key prefix, may be empty
}

// NewS3Archiver creates an archiver for AWS S3 or an S3-compatible service like MinIO.
// Parameters:
//   - endpoint: S3 service endpoint URL, empty for AWS
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for archives
//   - accessKey, secretKey: static credentials; the default chain is used when empty
//   - prefix: key prefix for every archive object
func NewS3Archiver(endpoint, region, bucket, accessKey, secretKey, prefix string) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key returns the object key of a device/day archive.
func (a *S3Archiver) Key(deviceID, day string) string {
	return path.Join(a.prefix, deviceID, day+".jsonl")
}

// ArchiveDay writes one line per entry, in path order, replacing any earlier
// archive of the same day.
func (a *S3Archiver) ArchiveDay(ctx context.Context, deviceID, day string, entries []storage.Document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		line := make(map[string]any, len(e.Data)+1)
		for k, v := range e.Data {
			line[k] = v
		}
		line["id"] = e.ID()
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode entry %s: %w", e.Path, err)
		}
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(a.Key(deviceID, day)),
		Body:              bytes.NewReader(buf.Bytes()),
		ContentType:       aws.String("application/x-ndjson"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata: map[string]string{
			"device-id":   deviceID,
			"day":         day,
			"entry-count": strconv.Itoa(len(entries)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to put archive object: %w", err)
	}
	return nil
}
