// Package archive writes every qualified leg to hourly parquet files so
// flow history survives restarts and can be queried offline. Files land
// in a local directory and are optionally mirrored to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"optflow/logger"
	"optflow/models"
)

// legRecord is the parquet row shape for one archived leg.
type legRecord struct {
	Ts         int64   `parquet:"name=ts, type=INT64"`
	Instrument string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     float64 `parquet:"name=amount, type=DOUBLE"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	EstDelta   float64 `parquet:"name=est_delta, type=DOUBLE"`
	Aggressor  string  `parquet:"name=aggressor, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryMs   int64   `parquet:"name=expiry_ms, type=INT64"`
	Strike     float64 `parquet:"name=strike, type=DOUBLE"`
	IsCall     bool    `parquet:"name=is_call, type=BOOLEAN"`
	NbboBid    float64 `parquet:"name=nbbo_bid, type=DOUBLE"`
	NbboAsk    float64 `parquet:"name=nbbo_ask, type=DOUBLE"`
	BpDiff     float64 `parquet:"name=bp_diff, type=DOUBLE"`
	TradeIV    float64 `parquet:"name=trade_iv, type=DOUBLE"`
	TradeID    string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements the parquet source interface on a byte buffer.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buffer: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Config controls where and how often leg files are written.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`

	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Writer buffers legs per UTC hour and flushes each bucket as one
// parquet file.
type Writer struct {
	config   Config
	in       <-chan models.LegDetail
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	buffer      map[string][]models.LegDetail
	flushTicker *time.Ticker
}

func NewWriter(cfg Config, in <-chan models.LegDetail) (*Writer, error) {
	log := logger.GetLogger()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	w := &Writer{
		config: cfg,
		in:     in,
		wg:     &sync.WaitGroup{},
		log:    log,
		buffer: make(map[string][]models.LegDetail),
	}

	if cfg.S3.Enabled {
		ctx := context.Background()
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
		if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
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
		w.s3Client = s3.NewFromConfig(awsCfg)
	}

	log.WithComponent("leg_archive").WithFields(logger.Fields{
		"dir":       cfg.Dir,
		"s3_mirror": cfg.S3.Enabled,
	}).Info("leg archive initialized")
	return w, nil
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("leg archive already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}
	w.flushTicker = time.NewTicker(w.config.FlushInterval)

	w.wg.Add(2)
	go w.worker()
	go w.flushWorker()
	w.log.WithComponent("leg_archive").Info("leg archive started")
	return nil
}

func (w *Writer) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.log.WithComponent("leg_archive").Info("leg archive stopped")
}

func hourKey(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006010215")
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case leg, ok := <-w.in:
			if !ok {
				return
			}
			key := hourKey(leg.Ts)
			w.mu.Lock()
			w.buffer[key] = append(w.buffer[key], leg)
			w.mu.Unlock()
		}
	}
}

func (w *Writer) flushWorker() {
	defer w.wg.Done()
	log := w.log.WithComponent("leg_archive").WithFields(logger.Fields{"worker": "flush"})
	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.flushTicker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *Writer) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.LegDetail)
	w.mu.Unlock()
	if len(buffers) == 0 {
		return
	}

	log := w.log.WithComponent("leg_archive")
	log.WithFields(logger.Fields{"buffers": len(buffers), "reason": reason}).Debug("flushing leg buffers")

	for hour, legs := range buffers {
		if len(legs) == 0 {
			continue
		}
		data, err := w.encode(legs)
		if err != nil {
			log.WithError(err).Error("failed to encode leg file")
			continue
		}
		name := fmt.Sprintf("flow_legs_%s_%s.parquet", hour, uuid.New().String()[:8])
		path := filepath.Join(w.config.Dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			log.WithError(err).WithFields(logger.Fields{"path": path}).Error("failed to write leg file")
			continue
		}
		log.WithFields(logger.Fields{"path": path, "legs": len(legs), "bytes": len(data)}).Info("leg file written")
		logger.IncrementArchiveWrite(int64(len(data)))

		if w.s3Client != nil {
			w.upload(name, data)
		}
	}
}

func (w *Writer) encode(legs []models.LegDetail) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(legRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	switch w.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}
	for _, leg := range legs {
		rec := legRecord{
			Ts:         leg.Ts,
			Instrument: leg.Instrument,
			Side:       leg.Side.String(),
			Amount:     leg.Amount,
			Price:      leg.Price,
			EstDelta:   leg.EstDelta,
			Aggressor:  leg.Aggressor.String(),
			ExpiryMs:   leg.ExpiryMs,
			Strike:     leg.Strike,
			IsCall:     leg.IsCall,
			NbboBid:    leg.NbboBid,
			NbboAsk:    leg.NbboAsk,
			BpDiff:     leg.BpDiff,
			TradeIV:    leg.TradeIV,
			TradeID:    leg.TradeID,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *Writer) upload(name string, data []byte) {
	key := filepath.ToSlash(filepath.Join(w.config.S3.Prefix, name))
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.config.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		w.log.WithComponent("leg_archive").WithError(err).
			WithFields(logger.Fields{"bucket": w.config.S3.Bucket, "key": key}).
			Error("failed to mirror leg file to S3")
		return
	}
	w.log.WithComponent("leg_archive").WithFields(logger.Fields{"key": key}).Debug("leg file mirrored to S3")
}
