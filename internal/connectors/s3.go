package connectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3Connector struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Connector(ctx context.Context) (Connector, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET required when enabling s3 connector")
	}
	prefix := os.Getenv("S3_PREFIX")
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &s3Connector{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *s3Connector) Name() string {
	return "s3"
}

func (s *s3Connector) StoreArtifact(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(joinKey(s.prefix, key)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ACL:           types.ObjectCannedACLPrivate,
		Metadata: map[string]string{
			"file_name": filepath.Base(localPath),
		},
		ContentType: aws.String("model/gltf-binary"),
	})
	return err
}
