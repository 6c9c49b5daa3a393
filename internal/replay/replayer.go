// Package replay drains the mutation queue against the remote data service
// whenever the device is online.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/storage"
)

// ErrInProgress is returned by SyncNow while another pass is running.
var ErrInProgress = errors.New("sync already in progress")

const (
	defaultMaxRetries = 3
	defaultInterval   = 5 * time.Minute
)

// DefaultBackoff is the delay before each retry. The last value repeats when
// there are more retries than entries.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Remote executes queued writes.
type Remote interface {
	Create(ctx context.Context, resource string, payload json.RawMessage, idemKey string) (json.RawMessage, error)
	UpdateByID(ctx context.Context, resource, id string, payload json.RawMessage, idemKey string) (json.RawMessage, error)
	DeleteByID(ctx context.Context, resource, id, idemKey string) error
}

// Queue is the subset of the mutation queue the replayer needs.
type Queue interface {
	List(ctx context.Context) ([]queue.Operation, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id, errMsg string) (int, error)
	Len(ctx context.Context) (int, error)
}

// Connectivity reports whether the device is online.
type Connectivity interface {
	Online() bool
}

// EventType distinguishes replay outcomes.
type EventType string

const (
	EventSynced  EventType = "synced"
	EventDropped EventType = "dropped"
)

// Event is emitted once per operation that leaves the queue.
type Event struct {
	Type     EventType  `json:"type"`
	OpID     string     `json:"op_id"`
	Kind     queue.Kind `json:"kind"`
	Resource string     `json:"resource"`
	Error    string     `json:"error,omitempty"`
}

// Listener receives replay events.
type Listener func(Event)

// Summary reports the outcome of one pass.
type Summary struct {
	Synced    int  `json:"synced"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
	Offline   bool `json:"offline,omitempty"`
}

// Status is a snapshot of the replayer for status surfaces.
type Status struct {
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitzero"`
	Last     Summary   `json:"last"`
	LastErr  string    `json:"last_error,omitempty"`
	Pending  int       `json:"pending"`
	Interval string    `json:"interval"`
}

// Options configures a Replayer. Zero values select defaults.
type Options struct {
	MaxRetries int
	Backoff    []time.Duration
	Interval   time.Duration
	Logger     *slog.Logger
}

// Replayer executes queued operations in order with bounded retries. At most
// one pass runs at a time.
type Replayer struct {
	queue      Queue
	remote     Remote
	conn       Connectivity
	maxRetries int
	backoff    []time.Duration
	interval   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	logger     *slog.Logger

	running atomic.Bool
	kick    chan struct{}

	mu        sync.Mutex
	listeners []Listener
	lastRun   time.Time
	last      Summary
	lastErr   error
}

// NewReplayer creates a Replayer.
func NewReplayer(q Queue, remote Remote, conn Connectivity, opts Options) *Replayer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Replayer{
		queue:      q,
		remote:     remote,
		conn:       conn,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		interval:   opts.Interval,
		sleep:      sleepCtx,
		now:        time.Now,
		logger:     opts.Logger,
		kick:       make(chan struct{}, 1),
	}
}

// OnEvent registers a listener.
func (r *Replayer) OnEvent(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// SyncNow runs one pass. It returns ErrInProgress if a pass is already running.
func (r *Replayer) SyncNow(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, ErrInProgress
	}
	defer r.running.Store(false)

	start := r.now()
	sum, err := r.pass(ctx)

	r.mu.Lock()
	r.lastRun = start
	r.last = sum
	r.lastErr = err
	r.mu.Unlock()

	if sum.Synced > 0 || sum.Dropped > 0 {
		r.logger.Info("sync pass finished", "synced", sum.Synced, "dropped", sum.Dropped,
			"remaining", sum.Remaining, "duration", r.now().Sub(start))
	}
	return sum, err
}

// Trigger requests a pass from Run without blocking. It is a no-op while a
// pass is running.
func (r *Replayer) Trigger() {
	if r.running.Load() {
		return
	}
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// OnTransition triggers a pass when the connection is restored.
func (r *Replayer) OnTransition(s connectivity.State) {
	if s.Online {
		r.logger.Debug("connection restored, scheduling sync")
		r.Trigger()
	}
}

// Run replays once at startup and then on every interval or trigger until
// ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.kick:
		}
		r.runPass(ctx)
	}
}

func (r *Replayer) runPass(ctx context.Context) {
	if !r.conn.Online() {
		return
	}
	// Triggers that raced with the pass start are dropped with it.
	defer r.drainKick()
	if _, err := r.SyncNow(ctx); err != nil && !errors.Is(err, ErrInProgress) && ctx.Err() == nil {
		r.logger.Error("sync pass failed", "error", err)
	}
}

func (r *Replayer) drainKick() {
	select {
	case <-r.kick:
	default:
	}
}

// Status reports the last pass and the current queue length.
func (r *Replayer) Status(ctx context.Context) (Status, error) {
	n, err := r.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Running:  r.running.Load(),
		LastRun:  r.lastRun,
		Last:     r.last,
		Pending:  n,
		Interval: r.interval.String(),
	}
	if r.lastErr != nil {
		st.LastErr = r.lastErr.Error()
	}
	return st, nil
}

func (r *Replayer) pass(ctx context.Context) (Summary, error) {
	var sum Summary
	if !r.conn.Online() {
		return r.finish(ctx, sum, true)
	}

	ops, err := r.queue.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("loading queue: %w", err)
	}

	for _, op := range ops {
		done, err := r.replayOne(ctx, op, &sum)
		if err != nil {
			return r.finishErr(ctx, sum, err)
		}
		if !done {
			// Went offline while backing off; later operations wait.
			return r.finish(ctx, sum, true)
		}
	}
	return r.finish(ctx, sum, false)
}

// replayOne executes op until it succeeds, is dropped, or the device goes
// offline. It returns false in the last case.
func (r *Replayer) replayOne(ctx context.Context, op queue.Operation, sum *Summary) (bool, error) {
	for {
		callErr := r.apply(ctx, op)
		if callErr == nil {
			if err := r.queue.Remove(ctx, op.ID); err != nil {
				return false, fmt.Errorf("removing synced op %s: %w", op.ID, err)
			}
			sum.Synced++
			r.emit(Event{Type: EventSynced, OpID: op.ID, Kind: op.Kind, Resource: op.Resource})
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if op.RetryCount >= r.maxRetries {
			if err := r.queue.Remove(ctx, op.ID); err != nil {
				return false, fmt.Errorf("removing failed op %s: %w", op.ID, err)
			}
			sum.Dropped++
			r.logger.Warn("operation dropped after retries", "op_id", op.ID, "kind", op.Kind,
				"resource", op.Resource, "retries", op.RetryCount, "error", callErr)
			r.emit(Event{Type: EventDropped, OpID: op.ID, Kind: op.Kind, Resource: op.Resource, Error: callErr.Error()})
			return true, nil
		}

		n, err := r.queue.IncrementRetry(ctx, op.ID, callErr.Error())
		if errors.Is(err, storage.ErrNotFound) {
			// Removed by the user mid-pass.
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("recording retry for op %s: %w", op.ID, err)
		}
		op.RetryCount = n

		delay := r.delay(n)
		r.logger.Debug("operation failed, backing off", "op_id", op.ID, "retry", n, "delay", delay, "error", callErr)
		if err := r.sleep(ctx, delay); err != nil {
			return false, err
		}
		if !r.conn.Online() {
			return false, nil
		}
	}
}

func (r *Replayer) apply(ctx context.Context, op queue.Operation) error {
	switch op.Kind {
	case queue.KindInsert:
		_, err := r.remote.Create(ctx, op.Resource, op.Payload, op.IdempotencyKey)
		return err
	case queue.KindUpdate:
		_, err := r.remote.UpdateByID(ctx, op.Resource, op.RecordID, op.Payload, op.IdempotencyKey)
		return err
	case queue.KindDelete:
		return r.remote.DeleteByID(ctx, op.Resource, op.RecordID, op.IdempotencyKey)
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// delay returns the wait before retry n (1-based).
func (r *Replayer) delay(n int) time.Duration {
	i := n - 1
	if i >= len(r.backoff) {
		i = len(r.backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return r.backoff[i]
}

func (r *Replayer) finish(ctx context.Context, sum Summary, offline bool) (Summary, error) {
	sum.Offline = offline
	n, err := r.queue.Len(ctx)
	if err != nil {
		return sum, fmt.Errorf("counting queue: %w", err)
	}
	sum.Remaining = n
	return sum, nil
}

func (r *Replayer) finishErr(ctx context.Context, sum Summary, err error) (Summary, error) {
	if n, lerr := r.queue.Len(context.WithoutCancel(ctx)); lerr == nil {
		sum.Remaining = n
	}
	return sum, err
}

func (r *Replayer) emit(ev Event) {
	r.mu.Lock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("replay listener panicked", "event", ev.Type, "op_id", ev.OpID, "panic", p)
				}
			}()
			l(ev)
		}()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
