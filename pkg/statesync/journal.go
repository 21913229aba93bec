package statesync

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Mutation kinds shared by all schemas.
const (
	KindUpsert = "upsert"
	KindDelete = "delete"
)

// Record is one line of a schema journal. The journals, never the cache, are
// the durable source of truth.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	EntityID  string          `json:"entity_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type journal struct {
	dir string
}

func newJournal(dir string) *journal {
	return &journal{dir: dir}
}

func (j *journal) path(schema string) string {
	return filepath.Join(j.dir, schema+".ndjson")
}

// Append writes a single record as one newline-delimited JSON line and
// fsyncs it before returning.
func (j *journal) Append(schema string, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", schema, err)
	}

	f, err := os.OpenFile(j.path(schema), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal for %s: %w", schema, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to journal for %s: %w", schema, err)
	}

	return f.Sync()
}

// Replay streams every record of a schema journal in append order. A missing
// journal replays zero records.
func (j *journal) Replay(schema string, fn func(Record) error) error {
	f, err := os.Open(j.path(schema))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to open journal for %s: %w", schema, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return fmt.Errorf("failed to decode %s journal line %d: %w", schema, lineNo, err)
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Schemas lists every schema that has a journal on disk.
func (j *journal) Schemas() ([]string, error) {
	entries, err := fs.Glob(os.DirFS(j.dir), "*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}

	schemas := make([]string, 0, len(entries))
	for _, entry := range entries {
		schemas = append(schemas, strings.TrimSuffix(entry, ".ndjson"))
	}

	return schemas, nil
}
