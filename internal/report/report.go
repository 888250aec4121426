package report

// ============================================================================
// Responsibilities:
// 1. Serialize the summary of a finished run to a JSON file
// 2. Write atomically (temp file + rename) so readers never see a torn file
//    creating the report directory when it does not exist yet
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is the current report file format
const SchemaVersion = 1

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("run report file is corrupted")
	ErrIncompatibleVersion = errors.New("run report schema version is incompatible")
	ErrReportNotFound      = errors.New("run report file not found")
)

// ============================================================================
// Data
// ============================================================================

// Failure describes the fault that aborted a run
type Failure struct {
	Kind    string `json:"kind"`
	Job     string `json:"job,omitempty"`
	Message string `json:"message"`
}

// Summary is the persisted record of one run on one rank
type Summary struct {
	SchemaVer    int            `json:"schema_version"`
	RunID        string         `json:"run_id"`
	Rank         int            `json:"rank"`
	Partitions   []int          `json:"partitions"`
	Microbatches int            `json:"microbatches"`
	Training     bool           `json:"training"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	DurationMS   int64          `json:"duration_ms"`
	Completed    bool           `json:"completed"`
	Jobs         map[string]int `json:"jobs"`
	Failure      *Failure       `json:"failure,omitempty"`
}

// ============================================================================
// Writer
// ============================================================================

// Writer persists run summaries to a single path
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a writer for path
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write replaces the report file atomically
func (w *Writer) Write(s Summary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s.SchemaVer = SchemaVersion
	jsonBytes, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp run report: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename run report: %w", err)
	}
	return nil
}

// Load reads the report file
func (w *Writer) Load() (Summary, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var s Summary
	jsonBytes, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, ErrReportNotFound
		}
		return s, fmt.Errorf("failed to read run report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if s.SchemaVer != SchemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, SchemaVersion)
	}
	if s.Jobs == nil {
		s.Jobs = make(map[string]int)
	}
	return s, nil
}

// Exists reports whether a report file is present
func (w *Writer) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// GetPath returns the report file path
func (w *Writer) GetPath() string {
	return w.path
}
