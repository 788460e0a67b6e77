package storage

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/conf"
)

type s3Backend struct {
	uploader *manager.Uploader
	bucket   string
	log      zerolog.Logger
}

func newS3Backend(ctx context.Context, c *conf.Conf, log zerolog.Logger) (*s3Backend, error) {
	endpoint := c.Get("vault", "url", "")
	region := c.Get("vault", "region", "us-east-1")
	bucket := c.Get("vault", "bucket", "lega")

	accessKey, err := c.GetSensitive("vault", "access_key")
	if err != nil {
		return nil, fmt.Errorf("resolving vault.access_key: %w", err)
	}
	secretKey, err := c.GetSensitive("vault", "secret_key")
	if err != nil {
		return nil, fmt.Errorf("resolving vault.secret_key: %w", err)
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if endpoint != "" {
				return aws.Endpoint{URL: endpoint, HostnameImmutable: true}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = c.GetBool("vault", "path_style", true)
	})

	return &s3Backend{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if chunk := c.GetInt("vault", "chunk_size", 0); chunk > 0 {
				u.PartSize = int64(chunk)
			}
		}),
		bucket: bucket,
		log:    log.With().Str("component", "vault.s3").Logger(),
	}, nil
}

// Location maps a file id to its object key.
func (b *s3Backend) Location(fileID int64) string {
	return strconv.FormatInt(fileID, 10)
}

// Copy streams r into the vault bucket under the target key. The uploader
// splits the stream into parts, so the payload size need not be known ahead.
func (b *s3Backend) Copy(ctx context.Context, r io.Reader, target string) (int64, error) {
	counter := &countingReader{r: r}
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(target),
		Body:   counter,
	})
	if err != nil {
		return counter.n, fmt.Errorf("uploading %s: %w", target, err)
	}
	b.log.Debug().Str("target", target).Int64("size", counter.n).Msg("payload stored")
	return counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
