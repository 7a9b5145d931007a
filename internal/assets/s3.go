// Package assets publishes a manuscript's files to the public bucket prefix when it
// is published and withdraws them on retraction.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/disintegration/imaging"

	"github.com/colloquium-journals/colloquium-sub006/internal/config"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
)

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

// S3API is the subset of *s3.Client the publisher uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Options locate the source and public prefixes and size previews.
type Options struct {
	Bucket       string
	SourcePrefix string
	PublicPrefix string
	PreviewWidth int
	MaxBytes     int64
}

// Publisher copies manuscript files between prefixes of one bucket.
type Publisher struct {
	client S3API
	opts   Options
	logger *slog.Logger
}

// NewS3Client loads AWS configuration for the assets bucket.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AssetsS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AssetsS3PathStyle
		if cfg.AssetsS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AssetsS3Endpoint)
		}
	}), nil
}

// OptionsFromConfig maps configuration onto publisher options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Bucket:       cfg.AssetsS3Bucket,
		SourcePrefix: cfg.AssetsSourcePrefix,
		PublicPrefix: cfg.AssetsPublicPrefix,
		PreviewWidth: cfg.AssetsPreviewWidth,
		MaxBytes:     cfg.AssetsMaxBytes,
	}
}

// NewPublisher builds a publisher.
func NewPublisher(client S3API, opts Options, logger *slog.Logger) *Publisher {
	if opts.PreviewWidth <= 0 {
		opts.PreviewWidth = 480
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}
	opts.SourcePrefix = strings.Trim(opts.SourcePrefix, "/")
	opts.PublicPrefix = strings.Trim(opts.PublicPrefix, "/")
	return &Publisher{client: client, opts: opts, logger: logging.Component(logger, "assets")}
}

func (p *Publisher) sourceDir(manuscriptID string) string {
	return p.opts.SourcePrefix + "/" + manuscriptID + "/"
}

func (p *Publisher) publicDir(manuscriptID string) string {
	return p.opts.PublicPrefix + "/" + manuscriptID + "/"
}

// Publish copies every file of the manuscript under the public prefix and
// renders a preview for each image. A failed preview is logged, not returned.
func (p *Publisher) Publish(ctx context.Context, manuscriptID string) error {
	src := p.sourceDir(manuscriptID)
	dst := p.publicDir(manuscriptID)
	keys, err := p.list(ctx, src)
	if err != nil {
		return err
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, src)
		target := dst + rel
		_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(p.opts.Bucket),
			CopySource: aws.String(p.opts.Bucket + "/" + escapeKey(key)),
			Key:        aws.String(target),
		})
		if err != nil {
			return fmt.Errorf("copy %s: %w", key, err)
		}
		if format, err := imaging.FormatFromFilename(rel); err == nil {
			if err := p.preview(ctx, key, dst+"previews/"+rel, format); err != nil {
				p.logger.Warn("preview failed", "key", key, "error", err)
			}
		}
	}
	p.logger.Info("published manuscript assets", "manuscript_id", manuscriptID, "files", len(keys))
	return nil
}

// Unpublish deletes everything under the manuscript's public prefix.
func (p *Publisher) Unpublish(ctx context.Context, manuscriptID string) error {
	keys, err := p.list(ctx, p.publicDir(manuscriptID))
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += deleteBatch {
		end := start + deleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.opts.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete published assets: %w", err)
		}
		if out != nil && len(out.Errors) > 0 {
			return fmt.Errorf("delete published assets: %d object(s) not deleted, first %s: %s",
				len(out.Errors), aws.ToString(out.Errors[0].Key), aws.ToString(out.Errors[0].Message))
		}
	}
	p.logger.Info("unpublished manuscript assets", "manuscript_id", manuscriptID, "files", len(keys))
	return nil
}

func (p *Publisher) list(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys  []string
		token *string
	)
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.opts.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if k := aws.ToString(obj.Key); k != "" && !strings.HasSuffix(k, "/") {
				keys = append(keys, k)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (p *Publisher) preview(ctx context.Context, key, target string, format imaging.Format) error {
	obj, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(io.LimitReader(obj.Body, p.opts.MaxBytes+1))
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	if int64(len(data)) > p.opts.MaxBytes {
		return errors.New("image too large for preview")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > p.opts.PreviewWidth {
		img = imaging.Resize(img, p.opts.PreviewWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.opts.Bucket),
		Key:         aws.String(target),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(mimeForFormat(format)),
	})
	if err != nil {
		return fmt.Errorf("put preview: %w", err)
	}
	return nil
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return path.Join(parts...)
}
