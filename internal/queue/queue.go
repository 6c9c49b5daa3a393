// Package queue persists pending remote writes so they survive restarts and
// replays them in priority order once the connection is back.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/storage"
)

// ErrInvalid is returned for operations that can never be replayed.
var ErrInvalid = errors.New("invalid operation")

// Kind is the remote write an operation performs.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Priority orders replay. Higher priorities replay first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() (int, bool) {
	switch p {
	case PriorityHigh:
		return 3, true
	case PriorityMedium, "":
		return 2, true
	case PriorityLow:
		return 1, true
	}
	return 0, false
}

// Operation is one queued remote write.
type Operation struct {
	ID             string          `json:"id"`
	Kind           Kind            `json:"kind"`
	Resource       string          `json:"resource"`
	RecordID       string          `json:"record_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       Priority        `json:"priority"`
	IdempotencyKey string          `json:"idempotency_key"`
	RetryCount     int             `json:"retry_count"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// MutationStore abstracts the mutations namespace of the durable store.
type MutationStore interface {
	InsertMutation(ctx context.Context, m storage.Mutation) error
	ListMutations(ctx context.Context) ([]storage.Mutation, error)
	DeleteMutation(ctx context.Context, id string) error
	IncrementMutationRetry(ctx context.Context, id, errMsg string) (int, error)
	CountMutations(ctx context.Context) (int, error)
}

// Manager is the durable mutation queue.
type Manager struct {
	store  MutationStore
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a Manager backed by store.
func NewManager(store MutationStore) *Manager {
	return &Manager{
		store:  store,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Enqueue validates op, assigns its id, timestamp and idempotency key, and
// persists it. The operation is durable once Enqueue returns an id.
func (m *Manager) Enqueue(ctx context.Context, op Operation) (string, error) {
	switch op.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, op.Kind)
	}
	rank, ok := op.Priority.rank()
	if !ok {
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalid, op.Priority)
	}
	if op.Priority == "" {
		op.Priority = PriorityMedium
	}
	op.Resource = strings.TrimSpace(op.Resource)
	if op.Resource == "" {
		return "", fmt.Errorf("%w: resource is required", ErrInvalid)
	}
	if op.RecordID == "" {
		op.RecordID = recordIDFromPayload(op.Payload)
	}
	if op.Kind != KindInsert && op.RecordID == "" {
		return "", fmt.Errorf("%w: %s requires a record id", ErrInvalid, op.Kind)
	}

	op.ID = m.newID()
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = m.newID()
	}
	op.EnqueuedAt = m.now().UTC()
	op.RetryCount = 0

	err := m.store.InsertMutation(ctx, storage.Mutation{
		ID:             op.ID,
		Kind:           string(op.Kind),
		Resource:       op.Resource,
		RecordID:       op.RecordID,
		PayloadJSON:    string(op.Payload),
		Priority:       string(op.Priority),
		PriorityRank:   rank,
		IdempotencyKey: op.IdempotencyKey,
		EnqueuedAt:     op.EnqueuedAt,
	})
	if err != nil {
		return "", err
	}
	m.logger.Debug("operation queued", "op_id", op.ID, "kind", op.Kind, "resource", op.Resource, "priority", op.Priority)
	return op.ID, nil
}

// List returns every queued operation in replay order.
func (m *Manager) List(ctx context.Context) ([]Operation, error) {
	rows, err := m.store.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(rows))
	for _, r := range rows {
		op := Operation{
			ID:             r.ID,
			Kind:           Kind(r.Kind),
			Resource:       r.Resource,
			RecordID:       r.RecordID,
			Priority:       Priority(r.Priority),
			IdempotencyKey: r.IdempotencyKey,
			RetryCount:     r.RetryCount,
			EnqueuedAt:     r.EnqueuedAt,
			LastError:      r.LastError,
		}
		if r.PayloadJSON != "" && r.PayloadJSON != "null" {
			op.Payload = json.RawMessage(r.PayloadJSON)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Remove deletes an operation. Removing an unknown id is not an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.DeleteMutation(ctx, id)
}

// IncrementRetry records a failed attempt and returns the new retry count.
func (m *Manager) IncrementRetry(ctx context.Context, id, errMsg string) (int, error) {
	return m.store.IncrementMutationRetry(ctx, id, errMsg)
}

// Len returns the number of queued operations.
func (m *Manager) Len(ctx context.Context) (int, error) {
	return m.store.CountMutations(ctx)
}

func recordIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var obj struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	switch v := obj.ID.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	}
	return ""
}
