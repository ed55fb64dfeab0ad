// Package export writes and reads records as JSON Lines so an operator can
// resolve conflicts and failures outside the sync engine.
package export

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/tombolacan/tombola/internal/record"
)

// Options controls what is written.
type Options struct {
	// IncludeAttachment keeps attachment bytes (base64 in JSON)
	IncludeAttachment bool
}

// WriteJSONL writes one record per line and returns the number written.
func WriteJSONL(w io.Writer, records []*record.Record, opts Options) (int, error) {
	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)

	written := 0
	for _, rec := range records {
		out := rec
		if !opts.IncludeAttachment && rec.HasAttachment() {
			clone := *rec
			clone.Attachment = nil
			out = &clone
		}
		if err := encoder.Encode(out); err != nil {
			return written, fmt.Errorf("failed to encode record %s: %w", rec.LocalID, err)
		}
		written++
	}

	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush output: %w", err)
	}
	return written, nil
}

// WriteFile writes records to path atomically via a temp file.
func WriteFile(path string, records []*record.Record, opts Options) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := WriteJSONL(file, records, opts)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// ReadJSONL parses records written by WriteJSONL. Each record must pass
// structural validation.
func ReadJSONL(r io.Reader) ([]*record.Record, error) {
	decoder := json.NewDecoder(r)

	var records []*record.Record
	for line := 1; ; line++ {
		var rec record.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", line, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ReadFile parses a JSONL file.
func ReadFile(path string) ([]*record.Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}
