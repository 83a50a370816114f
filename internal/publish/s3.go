package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/pkg/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

// objectPutter is the part of the S3 client the archive uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Publisher archives every batch as one NDJSON object per source:
// <prefix><source>/YYYY/MM/DD/<unix-nano>-<uuid>.ndjson[.gz|.snappy]
type S3Publisher struct {
	cfg        config.S3Config
	client     objectPutter
	compressor Compressor
	now        func() time.Time
	closed     atomic.Bool
}

// NewS3 loads AWS credentials from the default chain, or from the static
// keys when both are configured.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return newS3(cfg, s3.NewFromConfig(awsCfg, opts...))
}

func newS3(cfg config.S3Config, client objectPutter) (*S3Publisher, error) {
	compressor, err := GetCompressor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &S3Publisher{
		cfg:        cfg,
		client:     client,
		compressor: compressor,
		now:        time.Now,
	}, nil
}

// Publish uploads the batch.
func (s *S3Publisher) Publish(ctx context.Context, events []types.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}

	order, groups := groupBySource(events)
	for _, sourceID := range order {
		data, err := encodeNDJSON(groups[sourceID])
		if err != nil {
			return reliability.Permanent(err)
		}
		data, err = s.compressor.Compress(data)
		if err != nil {
			return reliability.Permanent(err)
		}
		if err := s.upload(ctx, s.objectKey(sourceID), data); err != nil {
			return err
		}
	}
	return nil
}

func encodeNDJSON(events []types.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		env, err := types.Wrap(ev)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(env); err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (s *S3Publisher) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}
	if s.cfg.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(s.cfg.ServerSideEncryption)
	}
	if enc := s.compressor.Encoding(); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *S3Publisher) objectKey(sourceID string) string {
	ts := s.now().UTC()
	if sourceID == "" {
		sourceID = "unknown"
	}

	prefix := s.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	name := fmt.Sprintf("%d-%s.ndjson%s", ts.UnixNano(), uuid.NewString(), s.compressor.Extension())
	return prefix + path.Join(sourceID, ts.Format("2006/01/02"), name)
}

// Close marks the publisher closed.
func (s *S3Publisher) Close() error {
	s.closed.Store(true)
	return nil
}

// Name returns the sink name.
func (s *S3Publisher) Name() string {
	return "s3"
}
