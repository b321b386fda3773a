// pkg/audit/chain.go
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const chainVersion = 1

// Event is one immutable entry in the audit chain. Hash covers the
// canonical serialization of every field except Hash itself, prefixed by
// the previous hash.
type Event struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	JobID     string                 `json:"job_id,omitempty"`
	Actor     string                 `json:"actor"`
	Category  Category               `json:"category"`
	EventType string                 `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash"`
}

// fileHeader opens each day file. InitialHash carries the chain head at the
// moment the file was opened, so files verify independently of each other.
type fileHeader struct {
	Kind        string `json:"kind"` // always "header"
	Version     int    `json:"version"`
	InstallID   string `json:"install_id"`
	InitialHash string `json:"initial_hash"`
}

// fileTrailer closes a day file when it rolls over.
type fileTrailer struct {
	Kind        string `json:"kind"` // always "trailer"
	RecordCount uint64 `json:"record_count"`
	FinalHash   string `json:"final_hash"`
}

// Writer appends events to day-partitioned JSONL files, maintaining the
// hash chain across days and process restarts.
type Writer struct {
	dir       string
	installID string
	logger    *zap.Logger

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	fileDate string
	count    uint64
	sequence uint64
	head     string
}

// seedHash derives the chain seed from the install id. The first event ever
// written references this value as its prev_hash.
func seedHash(installID string) string {
	sum := sha256.Sum256([]byte("syncd-audit-seed:" + installID))
	return hex.EncodeToString(sum[:])
}

// NewWriter opens (or resumes) the audit chain in dir. If today's file
// already exists, the chain head and sequence are recovered by replaying it.
func NewWriter(dir, installID string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	w := &Writer{
		dir:       dir,
		installID: installID,
		logger:    logger,
		head:      seedHash(installID),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

// recover replays the newest existing day file so appends continue the
// chain instead of restarting it.
func (w *Writer) recover() error {
	entries, err := filepath.Glob(filepath.Join(w.dir, "audit_*.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to list audit files: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	// Glob results are sorted; the last file is the newest day.
	newest := entries[len(entries)-1]
	events, _, err := readFile(newest)
	if err != nil {
		return fmt.Errorf("failed to recover audit chain from %s: %w", newest, err)
	}
	if len(events) > 0 {
		last := events[len(events)-1]
		w.head = last.Hash
		w.sequence = last.Sequence
	}
	w.logger.Info("Recovered audit chain head",
		zap.String("file", filepath.Base(newest)),
		zap.Uint64("sequence", w.sequence))
	return nil
}

func dayFileName(t time.Time) string {
	return fmt.Sprintf("audit_%s.jsonl", t.UTC().Format("20060102"))
}

// canonicalEventBytes serializes the event without its Hash field. Go's
// json package emits map keys sorted, which keeps the serialization stable.
func canonicalEventBytes(e Event) ([]byte, error) {
	e.Hash = ""
	return json.Marshal(e)
}

func chainHash(prev string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes one event and returns it with sequence and hashes filled
// in. The chain head moves only under the writer mutex.
func (w *Writer) Append(jobID, actor string, category Category, eventType string, payload map[string]interface{}) (*Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	if err := w.ensureFile(now); err != nil {
		return nil, err
	}

	w.sequence++
	event := Event{
		Sequence:  w.sequence,
		Timestamp: now,
		JobID:     jobID,
		Actor:     actor,
		Category:  category,
		EventType: eventType,
		Severity:  SeverityFor(eventType),
		Payload:   payload,
		PrevHash:  w.head,
	}

	canonical, err := canonicalEventBytes(event)
	if err != nil {
		w.sequence--
		return nil, fmt.Errorf("failed to serialize audit event: %w", err)
	}
	event.Hash = chainHash(w.head, canonical)

	line, err := json.Marshal(event)
	if err != nil {
		w.sequence--
		return nil, fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		w.sequence--
		return nil, fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush audit event: %w", err)
	}

	w.head = event.Hash
	w.count++
	return &event, nil
}

// ensureFile opens the day file for now, sealing and rolling the previous
// file when the day changes.
func (w *Writer) ensureFile(now time.Time) error {
	date := now.UTC().Format("20060102")
	if w.file != nil && w.fileDate == date {
		return nil
	}

	if w.file != nil {
		if err := w.seal(); err != nil {
			return err
		}
	}

	path := filepath.Join(w.dir, dayFileName(now))
	_, statErr := os.Stat(path)

	// Reopening today's file after a restart: carry the event count forward
	// and drop a trailer written by a clean shutdown, so the file seals once,
	// at its true end.
	var existing uint64
	if statErr == nil {
		n, err := resumeFile(path)
		if err != nil {
			return err
		}
		existing = n
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open audit file %s: %w", path, err)
	}

	w.file = f
	w.buf = bufio.NewWriter(f)
	w.fileDate = date
	w.count = existing

	if os.IsNotExist(statErr) {
		header := fileHeader{
			Kind:        "header",
			Version:     chainVersion,
			InstallID:   w.installID,
			InitialHash: w.head,
		}
		line, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("failed to serialize audit header: %w", err)
		}
		if _, err := w.buf.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write audit header: %w", err)
		}
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("failed to flush audit header: %w", err)
		}
	}
	return nil
}

// resumeFile prepares an existing day file for further appends. It returns
// the number of events already recorded and truncates a trailing trailer
// away; appending past a sealed trailer would leave events the trailer does
// not cover, which verification rightly rejects.
func resumeFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}

	var (
		count     uint64
		offset    int64
		trailerAt int64 = -1
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1
		if len(line) == 0 {
			offset += lineLen
			continue
		}

		var kind struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(line, &kind); err != nil {
			f.Close()
			return 0, fmt.Errorf("malformed line in audit file %s: %w", path, err)
		}
		switch kind.Kind {
		case "header":
		case "trailer":
			trailerAt = offset
		default:
			count++
			trailerAt = -1
		}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to read audit file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close audit file %s: %w", path, err)
	}

	if trailerAt >= 0 {
		if err := os.Truncate(path, trailerAt); err != nil {
			return 0, fmt.Errorf("failed to unseal audit file %s: %w", path, err)
		}
	}
	return count, nil
}

// seal writes the trailer and closes the current file.
func (w *Writer) seal() error {
	trailer := fileTrailer{
		Kind:        "trailer",
		RecordCount: w.count,
		FinalHash:   w.head,
	}
	line, err := json.Marshal(trailer)
	if err != nil {
		return fmt.Errorf("failed to serialize audit trailer: %w", err)
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit trailer: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush audit trailer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit file: %w", err)
	}
	w.file = nil
	w.buf = nil
	return nil
}

// Head returns the current chain head hash.
func (w *Writer) Head() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

// Close seals the current file. Safe to call once on shutdown.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.seal()
}

// EventsForJob scans the audit directory and returns every event carrying
// the given job id, in sequence order.
func (w *Writer) EventsForJob(jobID string) ([]Event, error) {
	w.mu.Lock()
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("failed to flush audit buffer: %w", err)
		}
	}
	w.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "audit_*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit files: %w", err)
	}

	var out []Event
	for _, path := range files {
		events, _, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.JobID == jobID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
