package store

import (
	"context"

	"github.com/emilyakhya/MMS/internal/types"
)

// Store defines the interface contract for the local offline queue.
type Store interface {
	StorePendingRecord(ctx context.Context, record types.PendingRecord) (int64, error)
	GetPendingRecords(ctx context.Context) ([]types.PendingRecord, error)
	GetRecord(ctx context.Context, id int64) (*types.PendingRecord, error)
	MarkRecordSynced(ctx context.Context, id int64) error
	DeleteSyncedRecords(ctx context.Context) (int, error)
	AddToSyncQueue(ctx context.Context, item types.SyncQueueItem) (int64, error)
	GetSyncQueue(ctx context.Context) ([]types.SyncQueueItem, error)
	RemoveFromSyncQueue(ctx context.Context, id int64) error
	GetStorageUsage(ctx context.Context) types.StorageUsage
	Close() error
}
