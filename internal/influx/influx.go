// Package influx records location fixes and validator decisions to
// InfluxDB. When the server cannot be reached at startup, points are written
// as gzipped line protocol to a backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/queue"
	"github.com/OCAP2/livemap/internal/sample"
	"github.com/OCAP2/livemap/pkg/core"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
)

// MeasurementFix is the measurement every fix is recorded under.
const MeasurementFix = "location_fix"

// DefaultFlushInterval is how often queued points are handed to the writer.
const DefaultFlushInterval = time.Second

// DefaultMaxPending caps the points waiting for a flush; the oldest are
// dropped beyond it.
const DefaultMaxPending = 10000

// Config holds the connection settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BackupPath    string
	FlushInterval time.Duration
	MaxPending    int
	// RetentionDays applies to a bucket created on connect. Zero keeps data
	// forever.
	RetentionDays int
}

// Sink batches fix points and writes them to InfluxDB or the backup file.
type Sink struct {
	cfg Config
	log zerolog.Logger

	client influxdb2.Client
	writer influxdb2_api.WriteAPI

	backupFile *os.File
	backup     *gzip.Writer

	pending *queue.Queue[*influxdb2_write.Point]

	mu     sync.Mutex
	online bool
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewSink creates an unconnected Sink.
func NewSink(cfg Config, log zerolog.Logger) *Sink {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Sink{
		cfg:     cfg,
		log:     log,
		pending: queue.NewBounded[*influxdb2_write.Point](cfg.MaxPending),
	}
}

// Connect pings the server and prepares the org and bucket. If the server
// is unreachable the sink falls back to the backup file; that is only an
// error when no backup path is configured.
func (s *Sink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return errors.New("influx is disabled")
	}

	s.client = influxdb2.NewClientWithOptions(
		s.cfg.URL,
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.log.Warn().Err(err).Str("url", s.cfg.URL).Msg("InfluxDB unreachable, writing to backup file")
		if err := s.openBackup(); err != nil {
			return err
		}
	} else {
		if err := s.ensureBucket(ctx); err != nil {
			return err
		}
		s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
		go func(errorsCh <-chan error) {
			for writeErr := range errorsCh {
				s.log.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).Msg("Error sending data to InfluxDB")
			}
		}(s.writer.Errors())
		s.mu.Lock()
		s.online = true
		s.mu.Unlock()
		s.log.Info().Str("bucket", s.cfg.Bucket).Msg("InfluxDB client initialized")
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.flushLoop()
	return nil
}

func (s *Sink) openBackup() error {
	if s.cfg.BackupPath == "" {
		return errors.New("influx unreachable and no backup path configured")
	}
	file, err := os.OpenFile(s.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	s.backupFile = file
	s.backup = gzip.NewWriter(file)
	return nil
}

func (s *Sink) ensureBucket(ctx context.Context) error {
	orgs := s.client.OrganizationsAPI()
	if _, err := orgs.FindOrganizationByName(ctx, s.cfg.Org); err != nil {
		s.log.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		if _, err := orgs.CreateOrganizationWithName(ctx, s.cfg.Org); err != nil {
			return fmt.Errorf("create organization %s: %w", s.cfg.Org, err)
		}
	}
	org, err := orgs.FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		return fmt.Errorf("get organization %s: %w", s.cfg.Org, err)
	}

	buckets := s.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	}
	s.log.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")

	var rules []domain.RetentionRule
	if s.cfg.RetentionDays > 0 {
		rule := domain.RetentionRuleTypeExpire
		rules = append(rules, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: int64(s.cfg.RetentionDays) * 24 * 60 * 60,
		})
	}
	if _, err := buckets.CreateBucketWithName(ctx, org, s.cfg.Bucket, rules...); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// FixPoint builds the point recorded for one validated fix.
func FixPoint(viewerID, sessionID string, fix core.LocationSample, d sample.Decision) *influxdb2_write.Point {
	return influxdb2_write.NewPoint(
		MeasurementFix,
		map[string]string{
			"viewer":  viewerID,
			"session": sessionID,
			"reason":  string(d.Reason),
		},
		map[string]any{
			"lat":      fix.Point.Latitude,
			"lng":      fix.Point.Longitude,
			"accuracy": fix.AccuracyMeters,
			"accepted": d.Accepted,
		},
		time.UnixMilli(fix.CapturedAtMillis),
	)
}

// RecordFix queues a fix and its validation outcome. It never blocks on
// the network.
func (s *Sink) RecordFix(viewerID, sessionID string, fix core.LocationSample, d sample.Decision) {
	if dropped := s.pending.Push(FixPoint(viewerID, sessionID, fix, d)); dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("Telemetry queue full, dropping oldest fixes")
	}
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush hands every queued point to the writer.
func (s *Sink) Flush() {
	points := s.pending.Drain()
	if len(points) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if err := s.writeLocked(p); err != nil {
			s.log.Error().Err(err).Msg("Failed to record fix")
			return
		}
	}
	if s.backup != nil {
		if err := s.backup.Flush(); err != nil {
			s.log.Error().Err(err).Msg("Failed to flush backup file")
		}
	}
}

func (s *Sink) writeLocked(p *influxdb2_write.Point) error {
	if s.online {
		s.writer.WritePoint(p)
		return nil
	}
	if s.backup == nil {
		return errors.New("influx client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(p, time.Millisecond)
	if _, err := s.backup.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to backup file: %w", err)
	}
	return nil
}

// Online reports whether points go to the server rather than the backup.
func (s *Sink) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Pending returns the number of queued points.
func (s *Sink) Pending() int {
	return s.pending.Len()
}

// Close flushes queued points and releases the client and backup file.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}

	var errs []error
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.backup != nil {
		errs = append(errs, s.backup.Close(), s.backupFile.Close())
	}
	return errors.Join(errs...)
}
