// Package knowledge holds the static disease knowledge base shipped with the
// service.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"agriscan/diagnosis"
	"agriscan/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Store is a read-mostly map of disease name to record.
type Store struct {
	path    string
	mu      sync.RWMutex
	records map[string]models.Diagnosis
}

var _ diagnosis.KnowledgeBase = (*Store)(nil)

// Load reads the knowledge base at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	s := &Store{path: path, records: map[string]models.Diagnosis{}}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromRecords builds an in-memory store, mostly for tests and tooling.
func FromRecords(records map[string]models.Diagnosis) *Store {
	s := &Store{records: make(map[string]models.Diagnosis, len(records))}
	for name, rec := range records {
		if rec.Name == "" {
			rec.Name = name
		}
		if rec.Severity == "" {
			rec.Severity = models.SeverityMedium
		}
		s.records[name] = rec
	}
	return s
}

// loadInternal reads and decodes the file (without lock)
func loadInternal(path string) (map[string]models.Diagnosis, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]models.Diagnosis{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading knowledge base: %w", err)
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]models.Diagnosis{}, nil
	}

	var records map[string]models.Diagnosis
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("error unmarshaling knowledge base: %w", err)
	}

	for name, rec := range records {
		if rec.Name == "" {
			rec.Name = name
		}
		if rec.Severity == "" {
			rec.Severity = models.SeverityMedium
		}
		records[name] = rec
	}
	return records, nil
}

// Reload re-reads the backing file. The previous contents stay in place if
// the file cannot be decoded.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	records, err := loadInternal(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	return nil
}

// Lookup returns the record stored under the exact disease name.
func (s *Store) Lookup(_ context.Context, name string) (*models.Diagnosis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Names returns every disease name in lexical order.
func (s *Store) Names(context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
