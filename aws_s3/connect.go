package aws_s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/odm"
)

type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	// Minio and most S3 compatible servers need path style addressing.
	UsePathStyle bool
}

// ConfigFrom converts the mapper's S3 configuration.
func ConfigFrom(config *odm.S3Config) (Config, error) {
	if config == nil || config.Bucket == "" {
		return Config{}, odm.Configurationf("s3 bucket is required")
	}
	c := Config{
		HostEndpointUrl: config.Endpoint,
		Region:          config.Region,
		Username:        config.AccessKeyID,
		Password:        config.SecretAccessKey,
		UsePathStyle:    config.UsePathStyle,
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	return c, nil
}

// Connect to the S3 (or minio) endpoint.
func Connect(config Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
		o.UsePathStyle = config.UsePathStyle
	})
}
