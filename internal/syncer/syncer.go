// Package syncer drains the offline queue to the backend when the client
// comes back online.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emilyakhya/MMS/internal/archive"
	"github.com/emilyakhya/MMS/internal/types"
)

var (
	// ErrOffline is returned by ManualSync when the client is offline.
	ErrOffline = errors.New("cannot sync while offline")

	// ErrDrainInProgress is returned when a drain is triggered while
	// another pass is running.
	ErrDrainInProgress = errors.New("sync already in progress")
)

const (
	stateIdle int32 = iota
	stateDraining
)

// Queue is the subset of the queue store the orchestrator needs.
type Queue interface {
	GetPendingRecords(ctx context.Context) ([]types.PendingRecord, error)
	MarkRecordSynced(ctx context.Context, id int64) error
	DeleteSyncedRecords(ctx context.Context) (int, error)
	GetSyncQueue(ctx context.Context) ([]types.SyncQueueItem, error)
	RemoveFromSyncQueue(ctx context.Context, id int64) error
	GetStorageUsage(ctx context.Context) types.StorageUsage
}

// Submitter sends one record to the backend.
type Submitter interface {
	Submit(ctx context.Context, rec types.RecordCreate, idempotencyKey string) (*types.Record, error)
}

// Connectivity is the read side of connectivity.Monitor.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Handler processes one generic sync queue item.
type Handler func(ctx context.Context, item types.SyncQueueItem) error

// Orchestrator runs drain passes. At most one pass runs at a time.
type Orchestrator struct {
	queue     Queue
	submitter Submitter
	monitor   Connectivity
	archiver  archive.Archiver
	handlers  map[string]Handler

	state atomic.Int32
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithArchiver uploads each record's photo before submission.
func WithArchiver(a archive.Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithHandler registers h for sync queue items of the given type.
func WithHandler(itemType string, h Handler) Option {
	return func(o *Orchestrator) { o.handlers[itemType] = h }
}

// New creates an Orchestrator.
func New(queue Queue, submitter Submitter, monitor Connectivity, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:     queue,
		submitter: submitter,
		monitor:   monitor,
		archiver:  archive.NoopArchiver{},
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InProgress reports whether a drain pass is running.
func (o *Orchestrator) InProgress() bool {
	return o.state.Load() == stateDraining
}

// Drain runs one pass over pending records and the generic sync queue.
// It returns ErrDrainInProgress without touching the queue when another
// pass is running.
func (o *Orchestrator) Drain(ctx context.Context) (types.SyncOutcome, error) {
	if !o.state.CompareAndSwap(stateIdle, stateDraining) {
		slog.Debug("drain skipped", "component", "syncer", "reason", "in_progress")
		return types.SyncOutcome{}, ErrDrainInProgress
	}
	defer o.state.Store(stateIdle)

	var outcome types.SyncOutcome

	records, err := o.queue.GetPendingRecords(ctx)
	if err != nil {
		return outcome, fmt.Errorf("load pending records: %w", err)
	}
	// A broken sync queue must not hold back pending records.
	items, err := o.queue.GetSyncQueue(ctx)
	if err != nil {
		slog.Error("failed to load sync queue",
			"component", "syncer",
			"error", err,
		)
		items = nil
	}

	if len(records) == 0 && len(items) == 0 {
		return outcome, nil
	}

	start := time.Now()
	slog.Info("sync started",
		"component", "syncer",
		"pending_records", len(records),
		"queue_items", len(items),
	)

	for _, rec := range records {
		if o.syncRecord(ctx, rec) {
			outcome.Succeeded++
		} else {
			outcome.Failed++
		}
	}

	if _, err := o.queue.DeleteSyncedRecords(ctx); err != nil {
		slog.Error("failed to delete synced records",
			"component", "syncer",
			"error", err,
		)
	}

	for _, item := range items {
		if o.processItem(ctx, item) {
			outcome.QueueSucceeded++
		} else {
			outcome.QueueFailed++
		}
	}

	slog.Info("sync completed",
		"component", "syncer",
		"succeeded", outcome.Succeeded,
		"failed", outcome.Failed,
		"queue_succeeded", outcome.QueueSucceeded,
		"queue_failed", outcome.QueueFailed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

// syncRecord submits one record. Returns true when it was accepted and
// marked synced.
func (o *Orchestrator) syncRecord(ctx context.Context, rec types.PendingRecord) bool {
	if len(rec.Image) > 0 {
		o.archivePhoto(ctx, &rec)
	}
	// The raw image never travels with the submission.
	rec.Image = nil

	if _, err := o.submitter.Submit(ctx, rec.RecordCreate(), rec.ClientRef); err != nil {
		slog.Warn("record sync failed",
			"component", "syncer",
			"record_id", rec.ID,
			"error", err,
		)
		return false
	}

	if err := o.queue.MarkRecordSynced(ctx, rec.ID); err != nil {
		// The backend has the record; the idempotency key covers the
		// resubmission on the next pass.
		slog.Error("failed to mark record synced",
			"component", "syncer",
			"record_id", rec.ID,
			"error", err,
		)
		return false
	}
	return true
}

func (o *Orchestrator) archivePhoto(ctx context.Context, rec *types.PendingRecord) {
	key, err := o.archiver.Archive(ctx, rec.Image, rec.CapturedAt())
	if err != nil {
		if !errors.Is(err, archive.ErrNotConfigured) {
			slog.Warn("photo archive failed",
				"component", "syncer",
				"record_id", rec.ID,
				"error", err,
			)
		}
		return
	}
	rec.ImageRef = key
}

func (o *Orchestrator) processItem(ctx context.Context, item types.SyncQueueItem) bool {
	h, ok := o.handlers[item.Type]
	if !ok {
		slog.Warn("no handler for sync queue item",
			"component", "syncer",
			"item_id", item.ID,
			"type", item.Type,
		)
		return false
	}

	if err := h(ctx, item); err != nil {
		slog.Warn("sync queue item failed",
			"component", "syncer",
			"item_id", item.ID,
			"type", item.Type,
			"error", err,
		)
		return false
	}

	if err := o.queue.RemoveFromSyncQueue(ctx, item.ID); err != nil {
		slog.Error("failed to remove sync queue item",
			"component", "syncer",
			"item_id", item.ID,
			"error", err,
		)
		return false
	}
	return true
}

// ManualSync drains immediately. It makes no network calls and returns
// ErrOffline when the client is offline.
func (o *Orchestrator) ManualSync(ctx context.Context) (types.SyncOutcome, error) {
	if !o.monitor.Online() {
		return types.SyncOutcome{}, ErrOffline
	}
	return o.Drain(ctx)
}

// Status returns the current sync state.
func (o *Orchestrator) Status(ctx context.Context) types.SyncStatus {
	usage := o.queue.GetStorageUsage(ctx)
	return types.SyncStatus{
		Online:         o.monitor.Online(),
		PendingRecords: usage.PendingRecords,
		SyncQueueItems: usage.SyncQueueItems,
		SyncInProgress: o.InProgress(),
	}
}

// Watch drains on every offline-to-online transition, and once at start
// when already online. Each pass runs in its own goroutine so a stalled
// submission never blocks the connectivity signal. Passes share ctx, so
// cancelling it aborts in-flight submissions; Watch then waits for the
// aborted pass to return.
func (o *Orchestrator) Watch(ctx context.Context) {
	var (
		mu      sync.Mutex
		stopped bool
		wg      sync.WaitGroup
	)

	trigger := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.drainLogged(ctx, reason)
		}()
	}

	unsubscribe := o.monitor.Subscribe(func(online bool) {
		if online {
			trigger("reconnected")
		}
	})

	slog.Info("sync watcher started", "component", "syncer")

	if o.monitor.Online() {
		trigger("startup")
	}

	<-ctx.Done()
	unsubscribe()

	mu.Lock()
	stopped = true
	mu.Unlock()
	wg.Wait()

	slog.Info("sync watcher stopped",
		"component", "syncer",
		"reason", "context_cancelled",
	)
}

func (o *Orchestrator) drainLogged(ctx context.Context, reason string) {
	slog.Debug("drain triggered", "component", "syncer", "reason", reason)
	if _, err := o.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
		slog.Error("drain failed",
			"component", "syncer",
			"reason", reason,
			"error", err,
		)
	}
}
