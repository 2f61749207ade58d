package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Source lists objects under a bucket/prefix and emits one document
// per object, its body passed through as the doc payload. Grounded on
// ls-triton-adapter/s3_docling.go's s3.Client usage, redirected from
// PutObject at write-time to ListObjectsV2/GetObject at read-time.
type S3Source struct {
	client *s3.Client
	bucket string
	keys   []string
	pos    int
}

// OpenS3 builds an S3Source, loading AWS config the standard
// aws-sdk-go-v2 way (environment/shared-config/IMDS chain) and
// listing every object under prefix up front.
func OpenS3(ctx context.Context, bucket, prefix, region string) (*S3Source, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("seeder: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	var keys []string
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("seeder: list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	return &S3Source{client: client, bucket: bucket, keys: keys}, nil
}

func (src *S3Source) Next(ctx context.Context) (SourceDocument, error) {
	if src.pos >= len(src.keys) {
		return SourceDocument{}, ErrDone
	}
	key := src.keys[src.pos]
	src.pos++

	out, err := src.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(src.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return SourceDocument{}, fmt.Errorf("seeder: get s3://%s/%s: %w", src.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return SourceDocument{}, fmt.Errorf("seeder: read s3://%s/%s: %w", src.bucket, key, err)
	}

	if !json.Valid(body) {
		body, err = json.Marshal(map[string]string{"raw": string(body)})
		if err != nil {
			return SourceDocument{}, fmt.Errorf("seeder: encode s3://%s/%s: %w", src.bucket, key, err)
		}
	}

	return SourceDocument{DocID: key, Doc: body}, nil
}

func (src *S3Source) Close() error {
	return nil
}
