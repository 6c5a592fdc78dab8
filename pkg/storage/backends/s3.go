package backends

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// S3Config configures the object-store adapter. Works with AWS and
// S3-compatible endpoints.
type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	// KeyPrefix namespaces objects within a shared bucket.
	KeyPrefix string `json:"key_prefix,omitempty"`
	// UsePathStyle is needed by most non-AWS S3 implementations.
	UsePathStyle bool `json:"use_path_style"`

	LatencyRank    int `json:"latency_rank"`
	DurabilityRank int `json:"durability_rank"`
}

// S3Backend adapts an S3-compatible object store to the Backend
// contract. Objects are keyed by the canonical fingerprint string.
type S3Backend struct {
	config     S3Config
	client     *s3.Client
	desc       storage.TierDescriptor
	classifier *storage.ErrorClassifier
	logger     *zap.Logger
}

// NewS3Backend creates the object-store adapter.
func NewS3Backend(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.LatencyRank == 0 {
		cfg.LatencyRank = 50
	}
	if cfg.DurabilityRank == 0 {
		cfg.DurabilityRank = 60
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(creds),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeTransient, "object-store", "load aws config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Backend{
		config:     cfg,
		client:     client,
		classifier: storage.NewErrorClassifier("object-store"),
		logger:     logger,
		desc: storage.TierDescriptor{
			Name:           "object-store",
			Class:          storage.ClassObjectStore,
			LatencyRank:    cfg.LatencyRank,
			DurabilityRank: cfg.DurabilityRank,
			Writable:       true,
			Capabilities:   []string{storage.CapabilityStreaming, storage.CapabilityRemoval},
		},
	}, nil
}

func (b *S3Backend) key(fp fingerprint.Fingerprint) string {
	if b.config.KeyPrefix != "" {
		return b.config.KeyPrefix + "/" + fp.String()
	}
	return fp.String()
}

// Put uploads the body under the fingerprint key.
func (b *S3Backend) Put(ctx context.Context, fp fingerprint.Fingerprint, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(fp)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return b.classifier.Classify(err, "put object")
	}
	return nil
}

// Get downloads the full body.
func (b *S3Backend) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(fp)),
	})
	if err != nil {
		return nil, b.classifier.Classify(err, "get object")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, b.classifier.Classify(err, "get object")
	}
	return data, nil
}

// GetStream downloads the body as a stream.
func (b *S3Backend) GetStream(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(fp)),
	})
	if err != nil {
		return nil, b.classifier.Classify(err, "get object")
	}
	return out.Body, nil
}

// Has checks object presence with a HEAD request.
func (b *S3Backend) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(fp)),
	})
	if err != nil {
		se := b.classifier.Classify(err, "head object")
		if se.Code == storage.ErrCodeNotFound {
			return false, nil
		}
		return false, se
	}
	return true, nil
}

// Remove deletes the object; S3 deletes are idempotent already.
func (b *S3Backend) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.key(fp)),
	})
	if err != nil {
		return b.classifier.Classify(err, "delete object")
	}
	return nil
}

// Stat reports health; object stores expose no usable quota surface, so
// usage is reported as unknown.
func (b *S3Backend) Stat(ctx context.Context) (*storage.StatResult, error) {
	return &storage.StatResult{
		UsedBytes:  0,
		QuotaBytes: 0,
		Health:     b.Health(ctx),
		CheckedAt:  time.Now(),
	}, nil
}

// Health probes the bucket with a cheap HEAD.
func (b *S3Backend) Health(ctx context.Context) storage.HealthState {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.HeadBucket(probeCtx, &s3.HeadBucketInput{
		Bucket: aws.String(b.config.Bucket),
	})
	if err != nil {
		b.logger.Debug("object-store health probe failed", zap.Error(err))
		return storage.HealthDown
	}
	return storage.HealthOK
}

// Descriptor returns the static tier description.
func (b *S3Backend) Descriptor() storage.TierDescriptor {
	return b.desc
}
