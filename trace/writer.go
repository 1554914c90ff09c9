package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adatrace/tracer-core/tracererr"
)

// MaxModules bounds how many distinct module UUIDs one writer tracks.
const MaxModules = 64

// Manifest is the JSON document written to trace.json on Finalize.
type Manifest struct {
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
	PID          int      `json:"pid"`
	SessionID    string   `json:"sessionId"`
	TimeStartNs  int64    `json:"timeStartNs"`
	TimeEndNs    int64    `json:"timeEndNs"`
	EventCount   uint64   `json:"eventCount"`
	BytesWritten uint64   `json:"bytesWritten"`
	Modules      []string `json:"modules"`
}

// Writer serializes events as length-delimited protobuf records to
// events.bin and emits a crash-safe trace.json manifest on Finalize.
type Writer struct {
	sessionDir string
	pid        int
	sessionID  string
	timeStart  int64

	eventsFile *os.File

	modules     []string
	moduleIndex map[string]int

	eventCount  atomic.Uint64
	bytesWrit   atomic.Uint64
	writeErrors atomic.Uint64
	moduleCount atomic.Uint32
	nextEventID atomic.Uint64
}

// sessionDirFor reproduces the on-disk layout:
// <output_root>/ada_traces/<session_label>/pid_<pid>/
func sessionDirFor(outputRoot, sessionLabel string, pid int) string {
	return filepath.Join(outputRoot, "ada_traces", sessionLabel, fmt.Sprintf("pid_%d", pid))
}

// Open creates the session directory (if needed) and opens events.bin for
// appending.
func Open(outputRoot, sessionLabel, sessionID string, pid int, timeStartNs int64) (*Writer, error) {
	dir := sessionDirFor(outputRoot, sessionLabel, pid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, tracererr.Wrap(tracererr.IOFailure, "trace: create session dir", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "events.bin"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, tracererr.Wrap(tracererr.IOFailure, "trace: open events.bin", err)
	}
	return &Writer{
		sessionDir:  dir,
		pid:         pid,
		sessionID:   sessionID,
		timeStart:   timeStartNs,
		eventsFile:  f,
		moduleIndex: make(map[string]int),
	}, nil
}

// SessionDir returns the directory events.bin/trace.json/window_metadata.jsonl live in.
func (w *Writer) SessionDir() string { return w.sessionDir }

// NextEventID assigns a monotonic id for events whose caller left id=0.
func (w *Writer) NextEventID() uint64 { return w.nextEventID.Add(1) }

// RegisterModule deduplicates moduleUUID into the writer's module table.
// Returns NO_SPACE once MaxModules distinct modules have been seen.
func (w *Writer) RegisterModule(moduleUUID string) error {
	if _, ok := w.moduleIndex[moduleUUID]; ok {
		return nil
	}
	if len(w.modules) >= MaxModules {
		return tracererr.New(tracererr.NoSpace, "trace: module table full")
	}
	w.moduleIndex[moduleUUID] = len(w.modules)
	w.modules = append(w.modules, moduleUUID)
	w.moduleCount.Store(uint32(len(w.modules)))
	return nil
}

// Append writes one length-delimited record: varint(payload_size) then
// the protobuf payload. A single writer goroutine guarantees records are
// never interleaved.
func (w *Writer) Append(ev Event) error {
	if ev.EventID == 0 {
		ev.EventID = w.NextEventID()
	}
	payload := EncodeEvent(ev)

	var frame []byte
	frame = protowire.AppendVarint(frame, uint64(len(payload)))
	frame = append(frame, payload...)

	n, err := w.eventsFile.Write(frame)
	if err != nil {
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: append event", err)
	}
	w.eventCount.Add(1)
	w.bytesWrit.Add(uint64(n))
	return nil
}

// Sync fsyncs the events file, if open.
func (w *Writer) Sync() error {
	if w.eventsFile == nil {
		return nil
	}
	if err := w.eventsFile.Sync(); err != nil {
		return tracererr.Wrap(tracererr.IOFailure, "trace: fsync events.bin", err)
	}
	return nil
}

// Finalize writes the manifest via tmp-file + fsync + atomic rename. Any
// failure in the tmp-to-final flow unlinks the temp file and increments
// write_errors.
func (w *Writer) Finalize(timeEndNs int64) error {
	m := Manifest{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		PID:          w.pid,
		SessionID:    w.sessionID,
		TimeStartNs:  w.timeStart,
		TimeEndNs:    timeEndNs,
		EventCount:   w.eventCount.Load(),
		BytesWritten: w.bytesWrit.Load(),
		Modules:      append([]string(nil), w.modules...),
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: marshal manifest", err)
	}

	final := filepath.Join(w.sessionDir, "trace.json")
	tmp, err := os.CreateTemp(w.sessionDir, "trace.json.tmp*")
	if err != nil {
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: create manifest tmp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: write manifest tmp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: fsync manifest tmp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: close manifest tmp file", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		w.writeErrors.Add(1)
		return tracererr.Wrap(tracererr.IOFailure, "trace: rename manifest into place", err)
	}
	return nil
}

// Close closes the underlying events file.
func (w *Writer) Close() error {
	if w.eventsFile == nil {
		return nil
	}
	return w.eventsFile.Close()
}

// EventCount, BytesWritten, WriteErrors, ModuleCount are atomic counter
// readers.
func (w *Writer) EventCount() uint64   { return w.eventCount.Load() }
func (w *Writer) BytesWritten() uint64 { return w.bytesWrit.Load() }
func (w *Writer) WriteErrors() uint64  { return w.writeErrors.Load() }
func (w *Writer) ModuleCount() uint32  { return w.moduleCount.Load() }
