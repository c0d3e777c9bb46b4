package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"optflow/logger"
)

// S3Config is the subset of settings the snapshot store needs.
type S3Config struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store mirrors the snapshot to an S3 object so a fresh host can warm
// up without the local file.
type S3Store struct {
	client *s3.Client
	bucket string
	key    string
	log    *logger.Entry
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("missing snapshot bucket or key")
	}

	store := &S3Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		key:    cfg.Key,
		log:    logger.GetLogger().WithComponent("snapshot_s3"),
	}
	store.log.WithFields(logger.Fields{
		"region": cfg.Region,
		"bucket": cfg.Bucket,
		"key":    cfg.Key,
	}).Debug("s3 snapshot store initialized")
	return store, nil
}

func (s *S3Store) Save(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put snapshot object: %w", err)
	}
	s.log.WithFields(logger.Fields{"bytes": len(data)}).Debug("snapshot mirrored to s3")
	return nil
}

func (s *S3Store) Load(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot object: %w", err)
	}
	return data, nil
}

// TieredStore saves to every store and loads from the first one that
// has data. The local file comes first so restarts stay fast.
type TieredStore struct {
	stores []Store
	log    *logger.Entry
}

func NewTieredStore(stores ...Store) *TieredStore {
	return &TieredStore{
		stores: stores,
		log:    logger.GetLogger().WithComponent("snapshot_store"),
	}
}

func (t *TieredStore) Save(ctx context.Context, data []byte) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.Save(ctx, data); err != nil {
			t.log.WithError(err).Warn("snapshot tier save failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *TieredStore) Load(ctx context.Context) ([]byte, error) {
	for _, s := range t.stores {
		data, err := s.Load(ctx)
		if err != nil {
			t.log.WithError(err).Warn("snapshot tier load failed")
			continue
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return nil, nil
}
