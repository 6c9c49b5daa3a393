package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CachedResponse is a response snapshot stored under cache:<bucket>:<request-key>.
type CachedResponse struct {
	Bucket     string
	RequestKey string
	Status     int
	Headers    string // JSON object of header name -> values
	Body       []byte
	StoredAt   time.Time
}

// BucketInfo summarizes one cache bucket.
type BucketInfo struct {
	Name    string
	Entries int
}

// Mutation is a row of the queue:mutations namespace.
type Mutation struct {
	ID             string
	Kind           string
	Resource       string
	RecordID       string
	PayloadJSON    string
	Priority       string
	PriorityRank   int
	IdempotencyKey string
	RetryCount     int
	EnqueuedAt     time.Time
	LastError      string
}

// QAEntry is a cached question/answer pair.
type QAEntry struct {
	Normalized string
	Language   string
	Query      string
	Answer     string
	Confidence float64
	PackID     string
	CreatedAt  time.Time
}
