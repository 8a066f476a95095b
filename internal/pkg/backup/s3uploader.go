package backup

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Uploader adapts the AWS SDK's managed uploader to the Uploader
// interface, grounded in the teacher's use of aws-sdk-go-v2 for its own
// S3-backed catalog caching.
type S3Uploader struct {
	Bucket   string
	Uploader *manager.Uploader
}

func NewS3Uploader(client *s3.Client, bucket string) *S3Uploader {
	return &S3Uploader{
		Bucket:   bucket,
		Uploader: manager.NewUploader(client),
	}
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &u.Bucket,
		Key:    &key,
		Body:   body,
	})
	return err
}
