package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emilyakhya/MMS/internal/types"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the durable local queue for pending records and
// deferred sync actions. The connection is opened lazily: every operation
// (re)initializes it when absent, so a store created while the disk was
// unavailable recovers on a later call.
type SQLiteStore struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore creates a store for dbPath and attempts to initialize it.
// Initialization failures are logged, not returned; StorePendingRecord
// surfaces them on first use.
func NewSQLiteStore(dbPath string) *SQLiteStore {
	s := &SQLiteStore{
		path: dbPath,
		now:  time.Now,
	}
	if _, err := s.conn(); err != nil {
		slog.Error("queue store initialization failed",
			"component", "queue",
			"path", dbPath,
			"error", err,
		)
	}
	return s
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection. Operations after Close fail with
// ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the open database, initializing it if necessary.
func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := openDatabase(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.db = db
	return db, nil
}

// softConn is conn for operations whose initialization failures are logged
// and treated as an empty result.
func (s *SQLiteStore) softConn(op string) *sql.DB {
	db, err := s.conn()
	if err != nil {
		slog.Error("queue store unavailable",
			"component", "queue",
			"operation", op,
			"error", err,
		)
		return nil
	}
	return db
}

// openDatabase opens dbPath, applies pragmas and runs migrations.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrency.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// --- Pending records ---

const recordColumns = `id, client_ref, patient_id, supplement_id, barcode_id, pill_count,
	source, confidence, notes, image_ref, image, timestamp, synced`

// StorePendingRecord persists a record captured while offline. It assigns
// the enqueue timestamp, resets synced to false and generates a client
// reference when the caller did not supply one. Every failure is returned.
func (s *SQLiteStore) StorePendingRecord(ctx context.Context, record types.PendingRecord) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("store pending record: %w", err)
	}

	record.Timestamp = s.now().UnixMilli()
	record.Synced = false
	if record.ClientRef == "" {
		record.ClientRef = uuid.NewString()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO pending_records (
			client_ref, patient_id, supplement_id, barcode_id, pill_count,
			source, confidence, notes, image_ref, image, timestamp, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		record.ClientRef,
		nullInt64(record.PatientID),
		nullInt64(record.SupplementID),
		record.Barcode,
		record.PillCount,
		string(record.Source),
		nullFloat64(record.Confidence),
		record.Notes,
		record.ImageRef,
		record.Image,
		record.Timestamp,
	)
	if err != nil {
		slog.Error("failed to store pending record",
			"component", "queue",
			"error", err,
		)
		return 0, fmt.Errorf("store pending record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store pending record: read key: %w", err)
	}

	slog.Info("stored pending record",
		"component", "queue",
		"record_id", id,
		"client_ref", record.ClientRef,
	)
	return id, nil
}

// GetPendingRecords returns every record not yet marked synced, in key order.
func (s *SQLiteStore) GetPendingRecords(ctx context.Context) ([]types.PendingRecord, error) {
	db := s.softConn("get_pending_records")
	if db == nil {
		return []types.PendingRecord{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM pending_records
		WHERE synced = 0
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	records := []types.PendingRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// GetRecord looks a record up by key regardless of its synced flag.
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*types.PendingRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pending_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return rec, nil
}

// MarkRecordSynced flips the synced flag of a record. A missing record,
// e.g. one deleted concurrently, is logged and ignored.
func (s *SQLiteStore) MarkRecordSynced(ctx context.Context, id int64) error {
	db := s.softConn("mark_record_synced")
	if db == nil {
		return nil
	}

	result, err := db.ExecContext(ctx, `UPDATE pending_records SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark record synced: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		slog.Warn("record to mark synced not found",
			"component", "queue",
			"record_id", id,
		)
	}
	return nil
}

// DeleteSyncedRecords removes every record marked synced. A failure on one
// record does not stop the others; all failures are joined in the result.
func (s *SQLiteStore) DeleteSyncedRecords(ctx context.Context) (int, error) {
	db := s.softConn("delete_synced_records")
	if db == nil {
		return 0, nil
	}

	ids, err := s.syncedIDs(ctx, db)
	if err != nil {
		return 0, err
	}

	var deleted int
	var errs []error
	for _, id := range ids {
		if _, err := db.ExecContext(ctx, `DELETE FROM pending_records WHERE id = ? AND synced = 1`, id); err != nil {
			slog.Error("failed to delete synced record",
				"component", "queue",
				"record_id", id,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("delete record %d: %w", id, err))
			continue
		}
		deleted++
	}

	return deleted, errors.Join(errs...)
}

// syncedIDs collects keys before deleting so no result set stays open
// while the single connection is reused.
func (s *SQLiteStore) syncedIDs(ctx context.Context, db *sql.DB) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM pending_records WHERE synced = 1`)
	if err != nil {
		return nil, fmt.Errorf("query synced records: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Generic sync queue ---

// AddToSyncQueue enqueues a deferred remote action and returns its key.
func (s *SQLiteStore) AddToSyncQueue(ctx context.Context, item types.SyncQueueItem) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, fmt.Errorf("add to sync queue: %w", err)
	}

	payload := item.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("add to sync queue: payload is not valid JSON")
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO sync_queue (type, payload, timestamp) VALUES (?, ?, ?)
	`, item.Type, string(payload), s.now().UnixMilli())
	if err != nil {
		slog.Error("failed to add to sync queue",
			"component", "queue",
			"type", item.Type,
			"error", err,
		)
		return 0, fmt.Errorf("add to sync queue: %w", err)
	}

	return result.LastInsertId()
}

// GetSyncQueue returns queued items oldest first.
func (s *SQLiteStore) GetSyncQueue(ctx context.Context) ([]types.SyncQueueItem, error) {
	db := s.softConn("get_sync_queue")
	if db == nil {
		return []types.SyncQueueItem{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, type, payload, timestamp
		FROM sync_queue
		ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sync queue: %w", err)
	}
	defer rows.Close()

	items := []types.SyncQueueItem{}
	for rows.Next() {
		var item types.SyncQueueItem
		var payload string
		if err := rows.Scan(&item.ID, &item.Type, &payload, &item.Timestamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

// RemoveFromSyncQueue deletes a queued item. Removing an absent key is not
// an error.
func (s *SQLiteStore) RemoveFromSyncQueue(ctx context.Context, id int64) error {
	db := s.softConn("remove_from_sync_queue")
	if db == nil {
		return nil
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove from sync queue: %w", err)
	}
	return nil
}

// GetStorageUsage returns row counts for diagnostics. It never fails: any
// internal error yields zero counts.
func (s *SQLiteStore) GetStorageUsage(ctx context.Context) types.StorageUsage {
	db := s.softConn("get_storage_usage")
	if db == nil {
		return types.StorageUsage{}
	}

	var usage types.StorageUsage
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_records`).Scan(&usage.PendingRecords); err != nil {
		slog.Error("failed to count pending records", "component", "queue", "error", err)
		return types.StorageUsage{}
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&usage.SyncQueueItems); err != nil {
		slog.Error("failed to count sync queue", "component", "queue", "error", err)
		return types.StorageUsage{}
	}
	return usage
}

// scanRecord scans a row into a PendingRecord, handling nullable columns.
func scanRecord(scanner interface{ Scan(...any) error }) (*types.PendingRecord, error) {
	var rec types.PendingRecord
	var patientID, supplementID sql.NullInt64
	var confidence sql.NullFloat64
	var source string
	var synced int

	err := scanner.Scan(
		&rec.ID,
		&rec.ClientRef,
		&patientID,
		&supplementID,
		&rec.Barcode,
		&rec.PillCount,
		&source,
		&confidence,
		&rec.Notes,
		&rec.ImageRef,
		&rec.Image,
		&rec.Timestamp,
		&synced,
	)
	if err != nil {
		return nil, err
	}

	rec.Source = types.Source(source)
	rec.Synced = synced != 0
	if patientID.Valid {
		v := patientID.Int64
		rec.PatientID = &v
	}
	if supplementID.Valid {
		v := supplementID.Int64
		rec.SupplementID = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		rec.Confidence = &v
	}

	return &rec, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
