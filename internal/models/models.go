package models

import (
	"time"

	"gorm.io/gorm"
)

// 用户模型
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"index;not null" json:"role"`     // sales, manager, finance, CEO ...
	Status    string         `gorm:"default:'active'" json:"status"` // active, inactive
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 任务模型，由自动化规则的 create_task 动作创建
type Task struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Title       string    `gorm:"not null" json:"title"`
	AssigneeID  string    `gorm:"index" json:"assignee_id"`
	Status      string    `gorm:"default:'open'" json:"status"` // open, done
	SourceKind  string    `json:"source_kind"`
	SourceID    string    `gorm:"index" json:"source_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// 站内通知
type Notification struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    string     `gorm:"index;not null" json:"user_id"`
	Title     string     `gorm:"not null" json:"title"`
	Message   string     `gorm:"type:text" json:"message"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// 邮件发件箱：外部邮件服务负责渲染与投递
type EmailOutbox struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Template  string     `gorm:"not null" json:"template"`
	Recipient string     `gorm:"index;not null" json:"recipient"`
	Data      string     `gorm:"type:text" json:"data"` // JSON
	Status    string     `gorm:"index;default:'queued'" json:"status"` // queued, sent, failed
	SentAt    *time.Time `json:"sent_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// All returns every model the engine persists, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Task{},
		&Notification{},
		&EmailOutbox{},
		&EntityRecord{},
		&AutomationRule{},
		&AutomationFire{},
		&CommissionRule{},
		&Commission{},
		&AuditEntry{},
	}
}
