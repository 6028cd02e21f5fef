package idempotency

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the stored outcome of one (endpoint, key).
type Record struct {
	Endpoint     string
	Key          string
	RequestHash  string
	Status       Status
	ResponseCode int
	ResponseBody []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists idempotency records. Claim and Reclaim must be atomic:
// they are the only mutual exclusion between concurrent retries.
type Store interface {
	// Claim inserts an in-progress record. It reports false, without
	// error, when a record for (endpoint, key) already exists.
	Claim(ctx context.Context, endpoint, key, requestHash string) (bool, error)

	// Get returns the record, or ErrRecordNotFound.
	Get(ctx context.Context, endpoint, key string) (Record, error)

	// Reclaim moves a failed record back to in-progress. It reports false
	// when the record is not failed anymore (another retrier won).
	Reclaim(ctx context.Context, endpoint, key string) (bool, error)

	// Complete stores the response of the owning request.
	Complete(ctx context.Context, endpoint, key string, code int, body []byte) error

	// Fail marks the record failed with a generic response.
	Fail(ctx context.Context, endpoint, key string, code int, body []byte) error
}

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type recordKey struct {
	endpoint string
	key      string
}

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordKey]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Claim(_ context.Context, endpoint, key, requestHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{endpoint, key}
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	now := s.now()
	s.records[k] = Record{
		Endpoint:    endpoint,
		Key:         key,
		RequestHash: requestHash,
		Status:      StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, endpoint, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{endpoint, key}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	rec.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return rec, nil
}

func (s *MemoryStore) Reclaim(_ context.Context, endpoint, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{endpoint, key}
	rec, ok := s.records[k]
	if !ok || rec.Status != StatusFailed {
		return false, nil
	}
	rec.Status = StatusInProgress
	rec.ResponseCode = 0
	rec.ResponseBody = nil
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, endpoint, key string, code int, body []byte) error {
	return s.finish(endpoint, key, StatusCompleted, code, body)
}

func (s *MemoryStore) Fail(_ context.Context, endpoint, key string, code int, body []byte) error {
	return s.finish(endpoint, key, StatusFailed, code, body)
}

func (s *MemoryStore) finish(endpoint, key string, status Status, code int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{endpoint, key}
	rec, ok := s.records[k]
	if !ok {
		return ErrRecordNotFound
	}
	rec.Status = status
	rec.ResponseCode = code
	rec.ResponseBody = append([]byte(nil), body...)
	rec.UpdatedAt = s.now()
	s.records[k] = rec
	return nil
}
