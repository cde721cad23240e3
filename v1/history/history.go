// Package history persists terminal dispatch task records. Once the
// engine writes a record here the in-memory task entry is discarded, so
// this store is the sole durable trace of a finished job.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the write-once durable row produced for each terminal task.
type Record struct {
	TaskID          string     `json:"task_id"`
	SubjectRef      string     `json:"subject_ref"`
	Channel         string     `json:"channel"`
	TotalRecipients int        `json:"total_recipients"`
	SuccessfulSends int        `json:"successful_sends"`
	FailedSends     int        `json:"failed_sends"`
	DeferredSends   int        `json:"deferred_sends"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds int        `json:"processing_duration_seconds"`
	CreatedBy       string     `json:"created_by,omitempty"`
	OperatorIP      string     `json:"operator_ip,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// Store abstracts the durable history backend.
type Store interface {
	// Save persists a terminal task record. It is called exactly once
	// per task, before the in-memory entry is evicted.
	Save(ctx context.Context, rec Record) error
	// Recent returns up to limit records ordered by creation time
	// descending, skipping any task id present in exclude.
	Recent(ctx context.Context, limit int, exclude map[string]struct{}) ([]Record, error)
}

// InMemoryStore is a Store implementation backed by a map, used in
// tests and single-process development setups.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Record
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Record)}
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.items[rec.TaskID] = rec
	s.mu.Unlock()
	return nil
}

// Recent implements Store.Recent.
func (s *InMemoryStore) Recent(ctx context.Context, limit int, exclude map[string]struct{}) ([]Record, error) {
	s.mu.RLock()
	recs := make([]Record, 0, len(s.items))
	for id, rec := range s.items {
		if _, skip := exclude[id]; skip {
			continue
		}
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
