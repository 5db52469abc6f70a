package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"math00ost/models"
)

const (
	teachersRecord    = "teachers"    // teacher name -> Teacher
	groupsRecord      = "groups"      // group code -> Group
	pendingSyncRecord = "pendingSync" // ordered []PendingSync
)

// LocalStore is a durable key-value slot backed by an embedded SQLite file
type LocalStore struct {
	db     *sql.DB
	quota  int64 // max stored bytes, 0 = unlimited
	logger *slog.Logger
	now    func() time.Time
}

// OpenLocalStore opens (or creates) the SQLite file at path.
func OpenLocalStore(path string, quota int64, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening local store %s", path)
	}
	// a single connection serializes writers, which SQLite needs anyway
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db, quota: quota, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return errors.Wrap(err, "migrating local store")
	}
	return nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Save writes the teachers and groups records in one transaction.
func (s *LocalStore) Save(ctx context.Context, snap models.Snapshot) error {
	if snap.Teachers == nil {
		snap.Teachers = map[string]*models.Teacher{}
	}
	if snap.Groups == nil {
		snap.Groups = map[string]*models.Group{}
	}
	teachers, err := json.Marshal(snap.Teachers)
	if err != nil {
		return errors.Wrap(err, "encoding teachers")
	}
	groups, err := json.Marshal(snap.Groups)
	if err != nil {
		return errors.Wrap(err, "encoding groups")
	}
	return s.putAll(ctx, map[string][]byte{
		teachersRecord: teachers,
		groupsRecord:   groups,
	})
}

// Load returns the last saved snapshot. Missing or unparsable records load as empty.
func (s *LocalStore) Load(ctx context.Context) (models.Snapshot, error) {
	snap := models.NewSnapshot()

	raw, err := s.get(ctx, teachersRecord)
	if err != nil {
		return snap, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Teachers); err != nil {
			s.logger.Warn("Discarding corrupt local record", slog.String("key", teachersRecord), slog.String("error", err.Error()))
			return models.NewSnapshot(), nil
		}
	}

	raw, err = s.get(ctx, groupsRecord)
	if err != nil {
		return models.NewSnapshot(), err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Groups); err != nil {
			s.logger.Warn("Discarding corrupt local record", slog.String("key", groupsRecord), slog.String("error", err.Error()))
			return models.NewSnapshot(), nil
		}
	}

	if snap.Teachers == nil {
		snap.Teachers = map[string]*models.Teacher{}
	}
	if snap.Groups == nil {
		snap.Groups = map[string]*models.Group{}
	}
	return snap, nil
}

// SavePending persists the pending-sync queue.
func (s *LocalStore) SavePending(ctx context.Context, queue []models.PendingSync) error {
	if queue == nil {
		queue = []models.PendingSync{}
	}
	raw, err := json.Marshal(queue)
	if err != nil {
		return errors.Wrap(err, "encoding pending sync queue")
	}
	return s.putAll(ctx, map[string][]byte{pendingSyncRecord: raw})
}

// LoadPending returns the persisted queue, empty when missing or corrupt.
func (s *LocalStore) LoadPending(ctx context.Context) ([]models.PendingSync, error) {
	raw, err := s.get(ctx, pendingSyncRecord)
	if err != nil {
		return []models.PendingSync{}, err
	}
	if raw == "" {
		return []models.PendingSync{}, nil
	}
	var queue []models.PendingSync
	if err := json.Unmarshal([]byte(raw), &queue); err != nil {
		s.logger.Warn("Discarding corrupt local record", slog.String("key", pendingSyncRecord), slog.String("error", err.Error()))
		return []models.PendingSync{}, nil
	}
	if queue == nil {
		queue = []models.PendingSync{}
	}
	return queue, nil
}

// Cleanup frees space: it drops unknown keys, compacts the pending queue to
// one entry per teacher and vacuums the file.
func (s *LocalStore) Cleanup(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key NOT IN (?, ?, ?)`,
		teachersRecord, groupsRecord, pendingSyncRecord)
	if err != nil {
		return errors.Wrap(err, "deleting stale local records")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Removed stale local records", slog.Int64("count", n))
	}

	queue, err := s.LoadPending(ctx)
	if err != nil {
		return err
	}
	if compacted := models.CompactPending(queue); len(compacted) < len(queue) {
		raw, err := json.Marshal(compacted)
		if err != nil {
			return errors.Wrap(err, "encoding pending sync queue")
		}
		// written without the quota check: the compacted queue is never larger
		if err := s.write(ctx, map[string][]byte{pendingSyncRecord: raw}); err != nil {
			return err
		}
		s.logger.Info("Compacted pending sync queue", slog.Int("before", len(queue)), slog.Int("after", len(compacted)))
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return errors.Wrap(err, "vacuuming local store")
	}
	return nil
}

// Usage returns the number of bytes currently stored.
func (s *LocalStore) Usage(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0) FROM kv`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "measuring local store")
	}
	return n, nil
}

// --- helpers ---

func (s *LocalStore) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading local record %s", key)
	}
	return value, nil
}

// putAll checks the quota and writes records atomically.
func (s *LocalStore) putAll(ctx context.Context, records map[string][]byte) error {
	if s.quota > 0 {
		if err := s.checkQuota(ctx, records); err != nil {
			return err
		}
	}
	return s.write(ctx, records)
}

func (s *LocalStore) checkQuota(ctx context.Context, records map[string][]byte) error {
	keys := make([]interface{}, 0, len(records))
	var needed int64
	for k, v := range records {
		keys = append(keys, k)
		needed += int64(len(v))
	}
	query := `SELECT COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0) FROM kv WHERE key NOT IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`
	var others int64
	if err := s.db.QueryRowContext(ctx, query, keys...).Scan(&others); err != nil {
		return errors.Wrap(err, "measuring local store")
	}
	if others+needed > s.quota {
		return &models.StorageQuotaError{Needed: others + needed, Limit: s.quota}
	}
	return nil
}

func (s *LocalStore) write(ctx context.Context, records map[string][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyLocalErr(errors.Wrap(err, "beginning local write"))
	}
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	for k, v := range records {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, string(v), stamp)
		if err != nil {
			_ = tx.Rollback()
			return classifyLocalErr(errors.Wrapf(err, "writing local record %s", k))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyLocalErr(errors.Wrap(err, "committing local write"))
	}
	return nil
}

// classifyLocalErr reports a full database as a StorageQuotaError.
func classifyLocalErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return &models.StorageQuotaError{Err: err}
	}
	return err
}
