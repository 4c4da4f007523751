// Package monitor periodically writes the engine status to a file and the
// debug log.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/OCAP2/livemap/internal/clock"
)

// DefaultInterval is the time between two status reports.
const DefaultInterval = 5 * time.Second

// Dependencies holds what the monitor reports on.
type Dependencies struct {
	// Status returns a JSON-encodable engine snapshot.
	Status func() any
	// QueueLen returns the serialized context's backlog.
	QueueLen func() int
	// Path is the status file; empty disables the file.
	Path     string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Report is one status report.
type Report struct {
	Time   time.Time `json:"time"`
	Queue  int       `json:"queue"`
	Status any       `json:"status"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot builds a report now.
func (s *Service) Snapshot() Report {
	r := Report{Time: s.deps.Clock.Now()}
	if s.deps.QueueLen != nil {
		r.Queue = s.deps.QueueLen()
	}
	if s.deps.Status != nil {
		r.Status = s.deps.Status()
	}
	return r
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	var statusFile *os.File
	if s.deps.Path != "" {
		f, err := os.Create(s.deps.Path)
		if err != nil {
			return fmt.Errorf("creating status file: %w", err)
		}
		statusFile = f
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	ticker := s.deps.Clock.NewTicker(s.deps.Interval)

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		defer ticker.Stop()
		if statusFile != nil {
			defer statusFile.Close()
		}
		s.deps.Logger.Debug("status monitor started", "interval", s.deps.Interval)

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				report := s.Snapshot()
				s.deps.Logger.Debug("status", "queue", report.Queue, "status", report.Status)
				if statusFile != nil {
					if err := writeReport(statusFile, report); err != nil {
						s.deps.Logger.Error("Error writing status file", "error", err)
					}
				}
			}
		}
	}(s.stopChan, s.done)
	return nil
}

// writeReport replaces the file contents with report.
func writeReport(f *os.File, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
