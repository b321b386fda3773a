// pkg/audit/verify.go
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityError reports exactly where a chain verification failed.
type IntegrityError struct {
	File     string
	Sequence uint64
	Field    string // "prev_hash", "hash", "final_hash", "record_count"
	Expected string
	Recorded string
}

func (e *IntegrityError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("audit chain broken in %s at event %d: %s expected %s, recorded %s",
			e.File, e.Sequence, e.Field, e.Expected, e.Recorded)
	}
	return fmt.Sprintf("audit chain broken in %s: %s expected %s, recorded %s",
		e.File, e.Field, e.Expected, e.Recorded)
}

// readFile parses one day file into its events and optional trailer. The
// header, when present, is returned through the events' implied initial
// hash; malformed lines fail the read.
func readFile(path string) ([]Event, *fileTrailer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	defer f.Close()

	var (
		events  []Event
		trailer *fileTrailer
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var kind struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(line, &kind); err != nil {
			return nil, nil, fmt.Errorf("malformed line in audit file %s: %w", path, err)
		}
		switch kind.Kind {
		case "header":
			continue
		case "trailer":
			var t fileTrailer
			if err := json.Unmarshal(line, &t); err != nil {
				return nil, nil, fmt.Errorf("malformed trailer in audit file %s: %w", path, err)
			}
			trailer = &t
		default:
			var e Event
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, nil, fmt.Errorf("malformed event in audit file %s: %w", path, err)
			}
			events = append(events, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read audit file %s: %w", path, err)
	}
	return events, trailer, nil
}

// readHeader parses the first line of a day file.
func readHeader(path string) (*fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("audit file %s is empty", path)
	}
	var h fileHeader
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return nil, fmt.Errorf("malformed header in audit file %s: %w", path, err)
	}
	if h.Kind != "header" {
		return nil, fmt.Errorf("audit file %s does not begin with a header", path)
	}
	return &h, nil
}

// VerifyFile re-hashes every event in a day file against its header's
// initial hash, then checks the trailer when present. The returned error is
// an *IntegrityError pinpointing the first mismatch.
func VerifyFile(path string) error {
	header, err := readHeader(path)
	if err != nil {
		return err
	}
	events, trailer, err := readFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	head := header.InitialHash
	for _, e := range events {
		if e.PrevHash != head {
			return &IntegrityError{
				File:     name,
				Sequence: e.Sequence,
				Field:    "prev_hash",
				Expected: head,
				Recorded: e.PrevHash,
			}
		}

		canonical, err := canonicalEventBytes(e)
		if err != nil {
			return fmt.Errorf("failed to serialize event %d for verification: %w", e.Sequence, err)
		}
		computed := chainHash(head, canonical)
		if computed != e.Hash {
			return &IntegrityError{
				File:     name,
				Sequence: e.Sequence,
				Field:    "hash",
				Expected: computed,
				Recorded: e.Hash,
			}
		}
		head = e.Hash
	}

	if trailer != nil {
		if trailer.FinalHash != head {
			return &IntegrityError{
				File:     name,
				Field:    "final_hash",
				Expected: head,
				Recorded: trailer.FinalHash,
			}
		}
		if trailer.RecordCount != uint64(len(events)) {
			return &IntegrityError{
				File:     name,
				Field:    "record_count",
				Expected: fmt.Sprintf("%d", len(events)),
				Recorded: fmt.Sprintf("%d", trailer.RecordCount),
			}
		}
	}
	return nil
}

// VerifyDir verifies every day file in the audit directory.
func VerifyDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "audit_*.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to list audit files: %w", err)
	}
	for _, path := range files {
		if err := VerifyFile(path); err != nil {
			return err
		}
	}
	return nil
}
