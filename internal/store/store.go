// Package store keeps the history of served predictions.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("store: record not found")

// Record is one served prediction.
type Record struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Prediction string    `json:"prediction"`
	Confidence float64   `json:"confidence"`
	Treatments []string  `json:"possible_treatments"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists prediction records.
type Store interface {
	// Save assigns an id and timestamp when they are unset.
	Save(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func prepare(r *Record) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Treatments == nil {
		r.Treatments = []string{}
	}
}

func clone(r Record) Record {
	r.Treatments = append([]string{}, r.Treatments...)
	return r
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	prepare(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[r.ID]; ok {
		s.records[i] = clone(*r)
		return nil
	}
	s.byID[r.ID] = len(s.records)
	s.records = append(s.records, clone(*r))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := clone(s.records[i])
	return &r, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		out = append(out, clone(s.records[i]))
	}
	s.mu.RUnlock()

	// later saves win ties
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
