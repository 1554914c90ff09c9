package detail

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/adatrace/tracer-core/tracererr"
)

// windowRecord is the JSON shape appended to window_metadata.jsonl, one
// object per line.
type windowRecord struct {
	WindowID             uint64 `json:"window_id"`
	StartTimestampNs     int64  `json:"start_timestamp_ns"`
	EndTimestampNs       int64  `json:"end_timestamp_ns"`
	TotalEvents          uint64 `json:"total_events"`
	MarkedEvents         uint64 `json:"marked_events"`
	FirstMarkTimestampNs int64  `json:"first_mark_timestamp_ns"`
	MarkSeen             bool   `json:"mark_seen"`
}

// MetadataWriter appends one JSON line per window to
// <session_dir>/window_metadata.jsonl.
type MetadataWriter struct {
	path string
	f    *os.File
}

// OpenMetadataWriter opens (creating/appending to) window_metadata.jsonl
// under sessionDir. An empty sessionDir is INVALID_ARGUMENT.
func OpenMetadataWriter(sessionDir string) (*MetadataWriter, error) {
	if sessionDir == "" {
		return nil, tracererr.New(tracererr.InvalidArgument, "detail: empty session_dir")
	}
	path := filepath.Join(sessionDir, "window_metadata.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, tracererr.Wrap(tracererr.IOFailure, "detail: open window_metadata.jsonl", err)
	}
	return &MetadataWriter{path: path, f: f}, nil
}

// WriteWindowMetadata appends one JSON line describing w. Failures are
// surfaced as IO_FAILURE; callers should bump a metadata_write_failures
// counter (Controller.RecordMetadataWriteFailure) when this returns an
// error.
func (m *MetadataWriter) WriteWindowMetadata(w Window) error {
	rec := windowRecord{
		WindowID:             w.WindowID,
		StartTimestampNs:     w.StartTimestampNs,
		EndTimestampNs:       w.EndTimestampNs,
		TotalEvents:          w.TotalEvents,
		MarkedEvents:         w.MarkedEvents,
		FirstMarkTimestampNs: w.FirstMarkTimestampNs,
		MarkSeen:             w.MarkSeen,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return tracererr.Wrap(tracererr.IOFailure, "detail: marshal window metadata", err)
	}
	line = append(line, '\n')
	if _, err := m.f.Write(line); err != nil {
		return tracererr.Wrap(tracererr.IOFailure, "detail: write window metadata", err)
	}
	return nil
}

// Close closes the underlying file.
func (m *MetadataWriter) Close() error {
	return m.f.Close()
}
