package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bizflow/internal/metrics"
	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FieldChange is one old/new pair inside an audit entry.
type FieldChange struct {
	Field string      `json:"field"`
	Old   interface{} `json:"old"`
	New   interface{} `json:"new"`
}

// AuditEntry describes one audited event before it is persisted.
type AuditEntry struct {
	ActorID      *string
	Action       string
	EntityType   string
	EntityID     string
	EntityName   string
	Changes      []FieldChange
	Description  string
	Success      bool
	Error        string
	RuleID       *uint
	TransitionID string
	Origin       Origin
	CreatedAt    time.Time
}

// AuditFilter narrows ListEntries.
type AuditFilter struct {
	EntityType   string
	EntityID     string
	RuleID       *uint
	TransitionID string
	Limit        int
}

// AuditStore persists audit entries. Entries are append-only.
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error)
}

// AuditService records audit entries on a best-effort basis: a failed write
// is logged and counted but never returned into the business operation.
type AuditService struct {
	store  AuditStore
	logger *logrus.Logger
	now    func() time.Time
}

func NewAuditService(store AuditStore, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{store: store, logger: logger, now: time.Now}
}

// Record appends entry. The returned error is informational only.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) error {
	if s == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	row, err := entry.toModel()
	if err == nil {
		err = s.store.Append(ctx, row)
	}
	if err != nil {
		metrics.IncAuditWriteFailure()
		s.logger.WithFields(logrus.Fields{
			"audit_action": entry.Action,
			"entity_type":  entry.EntityType,
			"entity_id":    entry.EntityID,
			"success":      entry.Success,
		}).Errorf("audit: write failed: %v", err)
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// ListEntries 查询审计日志（按写入顺序）
func (s *AuditService) ListEntries(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	return s.store.List(ctx, filter)
}

func (e AuditEntry) toModel() (*models.AuditEntry, error) {
	row := &models.AuditEntry{
		ActorID:      e.ActorID,
		Action:       e.Action,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		EntityName:   e.EntityName,
		Description:  e.Description,
		Success:      e.Success,
		Error:        e.Error,
		RuleID:       e.RuleID,
		TransitionID: e.TransitionID,
		Origin:       string(e.Origin),
		CreatedAt:    e.CreatedAt,
	}
	if len(e.Changes) > 0 {
		data, err := json.Marshal(e.Changes)
		if err != nil {
			return nil, fmt.Errorf("marshal changes: %w", err)
		}
		row.Changes = string(data)
	}
	return row, nil
}

// GormAuditStore 基于数据库的审计存储
type GormAuditStore struct {
	db *gorm.DB
}

func NewGormAuditStore(db *gorm.DB) *GormAuditStore {
	return &GormAuditStore{db: db}
}

func (s *GormAuditStore) Append(ctx context.Context, entry *models.AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormAuditStore) List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditEntry{})
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.RuleID != nil {
		query = query.Where("rule_id = ?", *filter.RuleID)
	}
	if filter.TransitionID != "" {
		query = query.Where("transition_id = ?", filter.TransitionID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.AuditEntry
	if err := query.Order("id ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
