package requestgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/torosent/chatload/internal/logging"
)

// FileBuilder replays request bodies read from a directory in round-robin
// order. It is safe for concurrent access.
type FileBuilder struct {
	records []Payload
	index   int
	mu      sync.Mutex
}

// NewFileBuilder loads every .json, .yaml and .yml file in dir. Files that
// fail to parse are logged and skipped; if none remain ErrNoRequests is
// returned.
func NewFileBuilder(dir string, logger *slog.Logger) (*FileBuilder, error) {
	logger = logging.OrDiscard(logger)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read request directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]Payload, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		payload, err := loadPayload(path)
		if err != nil {
			logger.Warn("skipping request file", "file", path, "error", err)
			continue
		}
		records = append(records, payload)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoRequests)
	}
	logger.Info("request files loaded", "dir", dir, "count", len(records))

	return &FileBuilder{records: records}, nil
}

func loadPayload(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var payload Payload
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}
	return payload, nil
}

// Next returns the next request body in round-robin order. Payloads are
// shared and must not be mutated by callers.
func (f *FileBuilder) Next(ctx context.Context) (Record, error) {
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.records) == 0 {
		return Record{}, ErrNoRequests
	}
	payload := f.records[f.index%len(f.records)]
	f.index++
	return Record{Payload: payload}, nil
}

// Len returns the number of loaded request bodies.
func (f *FileBuilder) Len() int {
	return len(f.records)
}
