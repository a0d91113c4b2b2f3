package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrAuditImmutable is returned when something tries to update or delete an audit entry.
var ErrAuditImmutable = errors.New("audit entries are append-only")

// AuditEntry 审计日志，只允许追加
type AuditEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ActorID      *string   `gorm:"index" json:"actor_id"` // nil 表示系统触发
	Action       string    `gorm:"index;not null" json:"action"`
	EntityType   string    `gorm:"index:idx_audit_entity" json:"entity_type"`
	EntityID     string    `gorm:"index:idx_audit_entity" json:"entity_id"`
	EntityName   string    `json:"entity_name"`
	Changes      string    `gorm:"type:text" json:"changes"` // JSON: [{field,old,new}]
	Description  string    `gorm:"type:text" json:"description"`
	Success      bool      `gorm:"not null" json:"success"`
	Error        string    `gorm:"type:text" json:"error"`
	RuleID       *uint     `gorm:"index" json:"rule_id"`
	TransitionID string    `gorm:"index" json:"transition_id"`
	Origin       string    `json:"origin"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

func (AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}
