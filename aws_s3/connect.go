// Package aws_s3 persists segment descriptors as objects in an S3 bucket, via
// aws-sdk-go-v2, and manages the buckets themselves.
package aws_s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	// UsePathStyle addresses buckets as a path, as minio expects.
	UsePathStyle bool
}

// Connect to an S3 compatible endpoint, e.g. a minio server.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		o.UsePathStyle = config.UsePathStyle
	})
	return client
}
