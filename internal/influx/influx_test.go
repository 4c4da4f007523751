package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OCAP2/livemap/internal/sample"
	"github.com/OCAP2/livemap/pkg/core"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fix = core.LocationSample{
	Point:            core.GeoPoint{Latitude: 52.52, Longitude: 13.405},
	AccuracyMeters:   5,
	CapturedAtMillis: 1_700_000_000_000,
}

func TestFixPoint(t *testing.T) {
	p := FixPoint("viewer-1", "sess-1", fix, sample.Decision{Reason: sample.ReasonJump})
	line := influxdb2_write.PointToLineProtocol(p, time.Millisecond)

	assert.Contains(t, line, "location_fix,reason=jump,session=sess-1,viewer=viewer-1 ")
	assert.Contains(t, line, "accepted=false")
	assert.Contains(t, line, "lat=52.52")
	assert.Contains(t, line, " 1700000000000\n")
}

func TestConnect_Disabled(t *testing.T) {
	s := NewSink(Config{}, zerolog.Nop())
	assert.Error(t, s.Connect(context.Background()))
	assert.NoError(t, s.Close())
}

func TestSink_FallsBackToBackupFile(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "fixes.lp.gz")
	s := NewSink(Config{
		Enabled:       true,
		URL:           "http://127.0.0.1:1",
		Org:           "livemap",
		Bucket:        "fixes",
		BackupPath:    backup,
		FlushInterval: time.Hour,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	assert.False(t, s.Online())

	s.RecordFix("viewer-1", "sess-1", fix, sample.Decision{Accepted: true, Reason: sample.ReasonAccepted})
	s.RecordFix("viewer-1", "sess-1", fix, sample.Decision{Reason: sample.ReasonInaccurate})
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), "reason=accepted")
	assert.Contains(t, string(data), "reason=inaccurate")
}

func TestSink_UnreachableWithoutBackup(t *testing.T) {
	s := NewSink(Config{Enabled: true, URL: "http://127.0.0.1:1"}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, s.Connect(ctx))
	assert.NoError(t, s.Close())
}

func TestSink_PendingIsBounded(t *testing.T) {
	s := NewSink(Config{MaxPending: 2}, zerolog.Nop())
	for range 5 {
		s.RecordFix("viewer-1", "sess-1", fix, sample.Decision{Accepted: true, Reason: sample.ReasonAccepted})
	}
	assert.Equal(t, 2, s.Pending())
}
