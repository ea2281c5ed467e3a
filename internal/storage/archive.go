package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akave-ai/hookbuffer/internal/config"
	"github.com/akave-ai/hookbuffer/internal/model"
)

var ErrNotConfigured = errors.New("archive not configured")

// Archive keeps a gzipped JSON copy of every flush in an S3-compatible
// bucket. A nil *Archive is valid and does nothing.
type Archive struct {
	client *s3.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewArchive returns nil, nil when the archive section is not configured.
func NewArchive(cfg config.ArchiveConfig, logger zerolog.Logger) (*Archive, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	client := s3.NewFromConfig(aws.Config{
		Region:      cfg.Region,
		Credentials: aws.NewCredentialsCache(creds),
	}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With().Str("component", "archive").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	if a == nil {
		return nil
	}
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)})
	if createErr != nil {
		var apiErr smithy.APIError
		if errors.As(createErr, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return nil
			}
		}
		return createErr
	}
	a.logger.Info().Msg("created archive bucket")
	return nil
}

// KeyForFlush places a flush under <prefix>/<buffer id>/<yyyy/mm/dd>/.
// Generations are unique per process, so the flush time disambiguates
// restarts.
func KeyForFlush(prefix string, rec model.FlushRecord) string {
	name := fmt.Sprintf("%d-%d.json.gz", rec.FlushedAt.UTC().UnixNano(), rec.Generation)
	return path.Join(prefix, rec.BufferID.String(), rec.FlushedAt.UTC().Format("2006/01/02"), name)
}

func (a *Archive) ArchiveFlush(ctx context.Context, rec model.FlushRecord) error {
	if a == nil {
		return nil
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	key := KeyForFlush(a.prefix, rec)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			"trigger":  rec.Trigger,
			"messages": strconv.Itoa(len(rec.MessageIDs)),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug().Str("key", key).Msg("flush archived")
	return nil
}

type ObjectInfo struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// ListFlushes lists archived flushes of one buffer, or of all buffers when
// bufferID is nil.
func (a *Archive) ListFlushes(ctx context.Context, bufferID *uuid.UUID, limit int) ([]ObjectInfo, error) {
	if a == nil {
		return nil, ErrNotConfigured
	}
	prefix := a.prefix + "/"
	if bufferID != nil {
		prefix = path.Join(a.prefix, bufferID.String()) + "/"
	}
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(model.EffectiveLimit(limit))),
	})
	if err != nil {
		return nil, err
	}
	result := make([]ObjectInfo, 0, len(out.Contents))
	for _, o := range out.Contents {
		info := ObjectInfo{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
		if o.LastModified != nil {
			info.LastModified = o.LastModified.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		result = append(result, info)
	}
	return result, nil
}

// GetFlush downloads and decodes one archived flush.
func (a *Archive) GetFlush(ctx context.Context, key string) (*model.FlushRecord, error) {
	if a == nil {
		return nil, ErrNotConfigured
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func encode(rec model.FlushRecord) ([]byte, error) {
	body, err := model.JSON.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*model.FlushRecord, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var rec model.FlushRecord
	if err := model.JSON.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return &rec, nil
}
