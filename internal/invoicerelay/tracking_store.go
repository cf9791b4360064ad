package invoicerelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// recordTable holds the record semantics shared by the in-memory and
// JSON-file tracking stores.
type recordTable map[Key]Record

func (t recordTable) create(record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, exists := t[record.Key()]; exists {
		return ErrAlreadyExists
	}
	t[record.Key()] = record
	return nil
}

func (t recordTable) get(key Key) (Record, error) {
	record, ok := t[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return record, nil
}

func (t recordTable) updateStatus(key Key, expected, next Status) (Record, error) {
	if err := checkTransition(key, expected, next); err != nil {
		return Record{}, err
	}
	record, ok := t[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status != expected {
		return Record{}, &StatusConflictError{Key: key, Expected: expected, Current: record.Status}
	}
	record.Status = next
	t[key] = record
	return record, nil
}

func (t recordTable) reschedule(key Key, movingTime string) (Record, error) {
	record, ok := t[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if record.Status != StatusCopied {
		return Record{}, &StatusConflictError{Key: key, Expected: StatusCopied, Current: record.Status}
	}
	record.MovingTime = movingTime
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	t[key] = record
	return record, nil
}

func (t recordTable) remove(key Key) error {
	if _, ok := t[key]; !ok {
		return ErrNotFound
	}
	delete(t, key)
	return nil
}

func (t recordTable) scan(filter ScanFilter) []Record {
	out := make([]Record, 0)
	for _, record := range t {
		if filter.Match(record) {
			out = append(out, record)
		}
	}
	sortRecords(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].MovingTime != records[j].MovingTime {
			return records[i].MovingTime < records[j].MovingTime
		}
		if records[i].Date != records[j].Date {
			return records[i].Date < records[j].Date
		}
		return records[i].FileName < records[j].FileName
	})
}

type InMemoryTrackingStore struct {
	mu      sync.Mutex
	records recordTable
}

func NewInMemoryTrackingStore() *InMemoryTrackingStore {
	return &InMemoryTrackingStore{records: recordTable{}}
}

func (s *InMemoryTrackingStore) Create(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.create(record)
}

func (s *InMemoryTrackingStore) Get(_ context.Context, key Key) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.get(key)
}

func (s *InMemoryTrackingStore) UpdateStatus(_ context.Context, key Key, expected, next Status) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.updateStatus(key, expected, next)
}

func (s *InMemoryTrackingStore) Reschedule(_ context.Context, key Key, movingTime string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.reschedule(key, movingTime)
}

func (s *InMemoryTrackingStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.remove(key)
}

func (s *InMemoryTrackingStore) Scan(_ context.Context, filter ScanFilter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.scan(filter), nil
}

func (s *InMemoryTrackingStore) Close() error {
	return nil
}

// JSONFileTrackingStore keeps the table in one JSON document. Every call
// re-reads the file under an exclusive lock, so several processes can share it.
type JSONFileTrackingStore struct {
	path string
	mu   sync.Mutex
}

type jsonFileTrackingState struct {
	Records []Record `json:"records"`
}

func NewJSONFileTrackingStore(path string) (*JSONFileTrackingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileTrackingStore{path: path}, nil
}

func (s *JSONFileTrackingStore) Create(_ context.Context, record Record) error {
	return s.mutate(func(t recordTable) error {
		return t.create(record)
	})
}

func (s *JSONFileTrackingStore) Get(_ context.Context, key Key) (Record, error) {
	var out Record
	err := s.view(func(t recordTable) error {
		record, err := t.get(key)
		out = record
		return err
	})
	return out, err
}

func (s *JSONFileTrackingStore) UpdateStatus(_ context.Context, key Key, expected, next Status) (Record, error) {
	var out Record
	err := s.mutate(func(t recordTable) error {
		record, err := t.updateStatus(key, expected, next)
		out = record
		return err
	})
	return out, err
}

func (s *JSONFileTrackingStore) Reschedule(_ context.Context, key Key, movingTime string) (Record, error) {
	var out Record
	err := s.mutate(func(t recordTable) error {
		record, err := t.reschedule(key, movingTime)
		out = record
		return err
	})
	return out, err
}

func (s *JSONFileTrackingStore) Delete(_ context.Context, key Key) error {
	return s.mutate(func(t recordTable) error {
		return t.remove(key)
	})
}

func (s *JSONFileTrackingStore) Scan(_ context.Context, filter ScanFilter) ([]Record, error) {
	var out []Record
	err := s.view(func(t recordTable) error {
		out = t.scan(filter)
		return nil
	})
	return out, err
}

func (s *JSONFileTrackingStore) Close() error {
	return nil
}

func (s *JSONFileTrackingStore) view(fn func(recordTable) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockPath(s.path)
	if err != nil {
		return err
	}
	defer unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	return fn(table)
}

func (s *JSONFileTrackingStore) mutate(fn func(recordTable) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockPath(s.path)
	if err != nil {
		return err
	}
	defer unlock()
	table, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(table); err != nil {
		return err
	}
	return s.save(table)
}

func (s *JSONFileTrackingStore) load() (recordTable, error) {
	table := recordTable{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return table, nil
		}
		return nil, err
	}
	var snapshot jsonFileTrackingState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for _, record := range snapshot.Records {
		table[record.Key()] = record
	}
	return table, nil
}

func (s *JSONFileTrackingStore) save(table recordTable) error {
	snapshot := jsonFileTrackingState{Records: make([]Record, 0, len(table))}
	for _, record := range table {
		snapshot.Records = append(snapshot.Records, record)
	}
	sortRecords(snapshot.Records)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
