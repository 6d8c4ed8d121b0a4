package backup

import (
	"errors"
	"strings"
)

var ErrNoBucket = errors.New("backup: bucket missing")

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3 compatible server such as minio.
	Endpoint     string
	UsePathStyle bool
}

func (c *S3Config) validate() error {
	if c.Bucket == "" {
		return ErrNoBucket
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// WithMinioConfig is the configuration for a minio bucket.
func WithMinioConfig(url, bucket, accessKey, secretKey string) S3Config {
	return S3Config{
		Bucket:       bucket,
		Endpoint:     url,
		Region:       "us-east-1",
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		UsePathStyle: true,
	}
}
