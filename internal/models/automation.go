package models

import "time"

// AutomationRule 自动化规则定义
type AutomationRule struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	EntityKind  string    `gorm:"index;not null" json:"entity_kind"`   // deal, lead, invoice ...
	TriggerType string    `gorm:"index;not null" json:"trigger_type"`  // stage_change, idle_for, value_threshold, date_reached
	Trigger     string    `gorm:"type:text;not null" json:"trigger"`   // JSON: {"type":"stage_change","from":"*","to":"Closed Won"}
	Actions     string    `gorm:"type:text;not null" json:"actions"`   // JSON: [{"type":"notify_role","role":"CEO",...}]
	Active      bool      `gorm:"index;not null" json:"active"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AutomationFire 时间驱动规则的触发记录，保证 (rule, entity, bucket) 唯一
type AutomationFire struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	RuleID   uint      `gorm:"uniqueIndex:idx_fire_rule_entity_bucket;not null" json:"rule_id"`
	EntityID string    `gorm:"uniqueIndex:idx_fire_rule_entity_bucket;not null" json:"entity_id"`
	Bucket   string    `gorm:"uniqueIndex:idx_fire_rule_entity_bucket;not null" json:"bucket"`
	FiredAt  time.Time `json:"fired_at"`
}

// EntityRecord 通用业务实体文档（商机、线索等）
type EntityRecord struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	Kind             string    `gorm:"uniqueIndex:idx_entity_kind_ref;not null" json:"kind"`
	Ref              string    `gorm:"uniqueIndex:idx_entity_kind_ref;not null" json:"id"`
	Name             string    `json:"name"`
	Status           string    `gorm:"index" json:"status"`
	Value            float64   `json:"value"`
	AssigneeID       string    `gorm:"index" json:"assignee_id"`
	AssigneeRole     string    `json:"assignee_role"`
	Source           string    `json:"source"`
	Fields           string    `gorm:"type:text" json:"fields"` // JSON object
	LastTransitionAt time.Time `gorm:"index" json:"last_transition_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
