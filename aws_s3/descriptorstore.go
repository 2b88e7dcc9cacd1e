package aws_s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/segstore"
	"github.com/sharedcode/segstore/encoding"
)

// partSize is the multipart chunk used by the upload and download managers.
const partSize = 10 * 1024 * 1024

// DescriptorStore keeps each segment descriptor as an "<id>.json" object in a bucket.
type DescriptorStore struct {
	s3Client   *s3.Client
	bucketName string
}

// NewDescriptorStore returns a descriptor store on bucketName, which must exist.
func NewDescriptorStore(s3Client *s3.Client, bucketName string) (*DescriptorStore, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	return &DescriptorStore{s3Client: s3Client, bucketName: bucketName}, nil
}

func objectKey(id segstore.UUID) string {
	return id.String() + ".json"
}

// Save uploads the marshaled descriptor, replacing any previous version.
func (s *DescriptorStore) Save(ctx context.Context, d segstore.Descriptor) error {
	ba, err := encoding.Marshal(d)
	if err != nil {
		return segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	uploader := manager.NewUploader(s.s3Client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(objectKey(d.ID)),
		Body:        bytes.NewReader(ba),
		ContentType: aws.String("application/json"),
	})
	return err
}

// Load downloads the descriptor, ErrDescriptorNotFound if the object is missing.
func (s *DescriptorStore) Load(ctx context.Context, id segstore.UUID) (segstore.Descriptor, error) {
	downloader := manager.NewDownloader(s.s3Client, func(d *manager.Downloader) {
		d.PartSize = partSize
	})
	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return segstore.Descriptor{}, segstore.ErrDescriptorNotFound
		}
		return segstore.Descriptor{}, err
	}
	var d segstore.Descriptor
	if err := encoding.Unmarshal(buffer.Bytes(), &d); err != nil {
		return segstore.Descriptor{}, segstore.Error{Code: segstore.DescriptorError, Err: err}
	}
	return d, nil
}

// Remove deletes the descriptor's object. S3 does not fail deletes of missing keys.
func (s *DescriptorStore) Remove(ctx context.Context, id segstore.UUID) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(objectKey(id)),
	})
	return err
}

var _ segstore.DescriptorStore = (*DescriptorStore)(nil)
