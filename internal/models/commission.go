package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// 佣金状态
const (
	CommissionStatusPending  = "pending"
	CommissionStatusApproved = "approved"
	CommissionStatusPaid     = "paid"
	CommissionStatusRejected = "rejected"
	CommissionStatusVoided   = "voided"
)

// CommissionRule 佣金费率规则，条件之间为 AND 关系，未设置的条件不做限制
type CommissionRule struct {
	ID           uint                `gorm:"primaryKey" json:"id"`
	Name         string              `gorm:"not null" json:"name"`
	Rate         decimal.Decimal     `gorm:"type:numeric(9,6);not null" json:"rate"` // 0.05 = 5%
	MinDealValue decimal.NullDecimal `gorm:"type:numeric(18,2)" json:"min_deal_value"`
	MaxDealValue decimal.NullDecimal `gorm:"type:numeric(18,2)" json:"max_deal_value"`
	ForUserID    *string             `gorm:"index" json:"for_user_id"`
	ForRole      *string             `json:"for_role"`
	DealSource   *string             `json:"deal_source"`
	DealStage    *string             `json:"deal_stage"`
	Priority     int                 `gorm:"index;not null" json:"priority"`
	Active       bool                `gorm:"index;not null" json:"active"`
	CreatedAt    time.Time           `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Commission 佣金记录。ActiveKey 在未作废期间保存成交事件键并唯一约束，
// 作废后置空以允许同一事件重新生成。
type Commission struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	UserID     string          `gorm:"index;not null" json:"user_id"`
	DealID     string          `gorm:"index;not null" json:"deal_id"`
	DealName   string          `json:"deal_name"`
	DealValue  decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"deal_value"`
	RuleID     uint            `gorm:"index;not null" json:"rule_id"`
	Rate       decimal.Decimal `gorm:"type:numeric(9,6);not null" json:"rate"`
	Amount     decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Status     string          `gorm:"index;not null" json:"status"`
	EventKey   string          `gorm:"index;not null" json:"event_key"`
	ActiveKey  *string         `gorm:"uniqueIndex" json:"-"`
	Note       string          `gorm:"type:text" json:"note"`
	ClosedAt   time.Time       `json:"closed_at"`
	ApprovedAt *time.Time      `json:"approved_at"`
	PaidAt     *time.Time      `json:"paid_at"`
	RejectedAt *time.Time      `json:"rejected_at"`
	VoidedAt   *time.Time      `json:"voided_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	Rule CommissionRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}
