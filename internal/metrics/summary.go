package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Scalar is a named value reported at an iteration.
type Scalar struct {
	Name  string
	Value float64
}

// Record is one line of the summary file.
type Record struct {
	RunID     string             `json:"run_id"`
	Iteration int                `json:"iteration"`
	Time      time.Time          `json:"time"`
	Scalars   map[string]float64 `json:"scalars"`
}

// SummaryWriter appends scalar records as JSON lines. It is safe for
// concurrent use.
type SummaryWriter struct {
	runID string
	now   func() time.Time

	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

// NewSummaryWriter writes to w under a fresh run id.
func NewSummaryWriter(w io.Writer) *SummaryWriter {
	sw := &SummaryWriter{
		runID: uuid.New().String(),
		now:   time.Now,
		enc:   json.NewEncoder(w),
	}
	if c, ok := w.(io.Closer); ok {
		sw.closer = c
	}
	return sw
}

// OpenSummaryFile opens a size-rotated summary file at path.
func OpenSummaryFile(path string) (*SummaryWriter, error) {
	if path == "" {
		return nil, errors.New("summary path is empty")
	}
	return NewSummaryWriter(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    64,
		MaxBackups: 3,
	}), nil
}

// RunID identifies the run in every record.
func (s *SummaryWriter) RunID() string { return s.runID }

// Write appends the scalars for iteration. Duplicate names keep the last value.
func (s *SummaryWriter) Write(iteration int, scalars []Scalar) error {
	rec := Record{
		RunID:     s.runID,
		Iteration: iteration,
		Time:      s.now().UTC(),
		Scalars:   make(map[string]float64, len(scalars)),
	}
	for _, sc := range scalars {
		rec.Scalars[sc.Name] = sc.Value
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (s *SummaryWriter) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
