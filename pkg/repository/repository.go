package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nicelgueta/cdktr/pkg/protocol"
)

// LogRepository stores and queries log frames.
type LogRepository interface {
	InsertBatch(ctx context.Context, entries []LogEntry) error
	Query(ctx context.Context, q protocol.LogQuery) ([]LogEntry, error)
}

// StatusRepository stores status transitions and derives current state.
type StatusRepository interface {
	InsertWorkflowBatch(ctx context.Context, rows []WorkflowRunStatus) error
	InsertTaskBatch(ctx context.Context, rows []TaskRunStatus) error
	// RecentWorkflowStatuses returns the latest status per workflow
	// instance, most recent first.
	RecentWorkflowStatuses(ctx context.Context, limit int) ([]WorkflowRunStatus, error)
	// LatestTaskStatuses returns the latest status per task instance of one
	// workflow instance.
	LatestTaskStatuses(ctx context.Context, workflowInstanceID string) ([]TaskRunStatus, error)
}

// Registry bundles the repositories over one gorm connection.
type Registry struct {
	db *gorm.DB

	Logs     LogRepository
	Statuses StatusRepository
}

// Open connects to the analytical store and migrates the schema. dsn empty
// or a plain path selects the sqlite file; a postgres:// DSN selects the
// postgres driver.
func Open(sqlitePath, dsn string) (*Registry, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create app data directory: %w", err)
		}
		dialector = sqlite.Open(sqlitePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open analytical store: %w", err)
	}
	return NewRegistry(db)
}

// NewRegistry wraps an established gorm connection and migrates the schema.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&LogEntry{}, &WorkflowRunStatus{}, &TaskRunStatus{}); err != nil {
		return nil, fmt.Errorf("migrate analytical schema: %w", err)
	}
	return &Registry{
		db:       db,
		Logs:     &gormLogRepository{db: db},
		Statuses: &gormStatusRepository{db: db},
	}, nil
}

type gormLogRepository struct {
	db *gorm.DB
}

func (r *gormLogRepository) InsertBatch(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(entries, 500).Error; err != nil {
		return protocol.Errorf(protocol.KindPersistenceFailed, "insert %d log rows: %v", len(entries), err)
	}
	return nil
}

func (r *gormLogRepository) Query(ctx context.Context, q protocol.LogQuery) ([]LogEntry, error) {
	tx := r.db.WithContext(ctx).Model(&LogEntry{})
	if q.WorkflowID != "" {
		tx = tx.Where("workflow_id = ?", q.WorkflowID)
	}
	if q.WorkflowInstanceID != "" {
		tx = tx.Where("workflow_instance_id = ?", q.WorkflowInstanceID)
	}
	if q.TaskInstanceID != "" {
		tx = tx.Where("task_instance_id = ?", q.TaskInstanceID)
	}
	if q.Level != "" {
		tx = tx.Where("level = ?", q.Level)
	}
	if q.SinceMS > 0 {
		tx = tx.Where("timestamp_ms >= ?", q.SinceMS)
	}
	if q.UntilMS > 0 {
		tx = tx.Where("timestamp_ms <= ?", q.UntilMS)
	}
	limit := q.Limit
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}

	var entries []LogEntry
	if err := tx.Order("timestamp_ms ASC, id ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, protocol.Errorf(protocol.KindPersistenceFailed, "query logstore: %v", err)
	}
	return entries, nil
}

type gormStatusRepository struct {
	db *gorm.DB
}

func (r *gormStatusRepository) InsertWorkflowBatch(ctx context.Context, rows []WorkflowRunStatus) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return protocol.Errorf(protocol.KindPersistenceFailed, "insert %d workflow status rows: %v", len(rows), err)
	}
	return nil
}

func (r *gormStatusRepository) InsertTaskBatch(ctx context.Context, rows []TaskRunStatus) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return protocol.Errorf(protocol.KindPersistenceFailed, "insert %d task status rows: %v", len(rows), err)
	}
	return nil
}

func (r *gormStatusRepository) RecentWorkflowStatuses(ctx context.Context, limit int) ([]WorkflowRunStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	// Latest row per instance: highest timestamp, id as tie-breaker for
	// rows landing in the same millisecond.
	var rows []WorkflowRunStatus
	err := r.db.WithContext(ctx).Raw(`
		SELECT s.* FROM workflow_run_status s
		WHERE s.id = (
			SELECT s2.id FROM workflow_run_status s2
			WHERE s2.workflow_instance_id = s.workflow_instance_id
			ORDER BY s2.timestamp_ms DESC, s2.id DESC
			LIMIT 1
		)
		ORDER BY s.timestamp_ms DESC, s.id DESC
		LIMIT ?`, limit).Scan(&rows).Error
	if err != nil {
		return nil, protocol.Errorf(protocol.KindPersistenceFailed, "query recent workflow statuses: %v", err)
	}
	return rows, nil
}

func (r *gormStatusRepository) LatestTaskStatuses(ctx context.Context, workflowInstanceID string) ([]TaskRunStatus, error) {
	// Latest row per task instance, chosen the same way as above.
	var rows []TaskRunStatus
	err := r.db.WithContext(ctx).Raw(`
		SELECT s.* FROM task_run_status s
		WHERE s.workflow_instance_id = ?
		AND s.id = (
			SELECT s2.id FROM task_run_status s2
			WHERE s2.task_instance_id = s.task_instance_id
			ORDER BY s2.timestamp_ms DESC, s2.id DESC
			LIMIT 1
		)
		ORDER BY s.timestamp_ms ASC, s.id ASC`, workflowInstanceID).Scan(&rows).Error
	if err != nil {
		return nil, protocol.Errorf(protocol.KindPersistenceFailed, "query task statuses for %s: %v", workflowInstanceID, err)
	}
	return rows, nil
}
