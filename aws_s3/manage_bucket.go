package aws_s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ManageBucket creates and removes the buckets descriptors are kept in.
type ManageBucket struct {
	S3Client *s3.Client
	region   string
}

func NewManageBucket(s3Client *s3.Client, region string) (*ManageBucket, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	return &ManageBucket{
		S3Client: s3Client,
		region:   region,
	}, nil
}

// CreateBucket creates bucketName. us-east-1 takes no location constraint.
func (mb *ManageBucket) CreateBucket(ctx context.Context, bucketName string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucketName)}
	if mb.region != "" && mb.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(mb.region),
		}
	}
	if _, err := mb.S3Client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("couldn't create bucket %s in Region %s, details: %w", bucketName, mb.region, err)
	}
	return nil
}

// RemoveBucket deletes bucketName, which must be empty.
func (mb *ManageBucket) RemoveBucket(ctx context.Context, bucketName string) error {
	_, err := mb.S3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		return fmt.Errorf("couldn't remove bucket %s, details: %w", bucketName, err)
	}
	return nil
}
