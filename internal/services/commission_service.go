package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/metrics"
	"bizflow/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// CommissionService 佣金计算与生命周期管理
type CommissionService struct {
	db       *gorm.DB
	repo     EntityRepository
	resolver *RateResolver
	audit    *AuditService
	cfg      config.CommissionConfig
	logger   *logrus.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewCommissionService(db *gorm.DB, repo EntityRepository, audit *AuditService, cfg config.CommissionConfig, logger *logrus.Logger) *CommissionService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DealKind == "" {
		cfg.DealKind = "deal"
	}
	if cfg.WonStatus == "" {
		cfg.WonStatus = "Closed Won"
	}
	if cfg.MinorUnits <= 0 {
		cfg.MinorUnits = 2
	}
	return &CommissionService{
		db:       db,
		repo:     repo,
		resolver: NewRateResolver(),
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("bizflow.commission"),
		now:      time.Now,
	}
}

// ResolveCommission creates the commission for one Closed-Won event of a
// deal. Calling it again for the same event returns the existing record.
// ErrNoMatchingRate is returned unchanged so the caller can pick a policy.
func (s *CommissionService) ResolveCommission(ctx context.Context, deal DealSnapshot) (*models.Commission, error) {
	ctx, span := s.tracer.Start(ctx, "commission.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("deal_id", deal.DealID))

	if deal.DealID == "" || deal.AssigneeID == "" {
		return nil, fmt.Errorf("%w: deal id and assignee are required", ErrInvalidRequest)
	}
	if deal.ClosedAt.IsZero() {
		return nil, fmt.Errorf("%w: closed_at is required", ErrInvalidRequest)
	}
	if deal.Value.IsNegative() {
		return nil, fmt.Errorf("%w: deal value must not be negative", ErrInvalidRequest)
	}
	if deal.Stage != s.cfg.WonStatus {
		return nil, fmt.Errorf("deal %s in stage %q: %w", deal.DealID, deal.Stage, ErrDealNotWon)
	}

	key := deal.EventKey()
	if existing, err := s.findActive(ctx, key); err != nil {
		metrics.ObserveCommission("error")
		return nil, err
	} else if existing != nil {
		metrics.ObserveCommission("existing")
		return existing, nil
	}

	var rules []models.CommissionRule
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rules).Error; err != nil {
		metrics.ObserveCommission("error")
		span.RecordError(err)
		return nil, fmt.Errorf("load commission rules: %w", err)
	}

	rule, err := s.resolver.Resolve(deal, rules)
	if err != nil {
		metrics.ObserveCommission("no_match")
		s.logger.WithFields(logrus.Fields{
			"deal_id": deal.DealID,
			"value":   deal.Value.String(),
		}).Warn("commission: no matching rate, configuration gap")
		_ = s.audit.Record(ctx, AuditEntry{
			ActorID:     actorFrom(ctx),
			Action:      "commission.resolve",
			EntityType:  s.cfg.DealKind,
			EntityID:    deal.DealID,
			EntityName:  deal.Name,
			Description: "no commission rule matched",
			Success:     false,
			Error:       err.Error(),
		})
		return nil, err
	}

	activeKey := key
	commission := &models.Commission{
		UserID:    deal.AssigneeID,
		DealID:    deal.DealID,
		DealName:  deal.Name,
		DealValue: deal.Value,
		RuleID:    rule.ID,
		Rate:      rule.Rate,
		Amount:    ComputeCommission(deal.Value, rule.Rate, s.cfg.MinorUnits),
		Status:    models.CommissionStatusPending,
		EventKey:  key,
		ActiveKey: &activeKey,
		ClosedAt:  deal.ClosedAt,
	}
	if err := s.db.WithContext(ctx).Create(commission).Error; err != nil {
		// a concurrent resolver may have won the unique active key
		if existing, ferr := s.findActive(ctx, key); ferr == nil && existing != nil {
			metrics.ObserveCommission("existing")
			return existing, nil
		}
		metrics.ObserveCommission("error")
		span.RecordError(err)
		return nil, fmt.Errorf("create commission: %w", err)
	}
	commission.Rule = *rule

	metrics.ObserveCommission("created")
	ruleID := rule.ID
	_ = s.audit.Record(ctx, AuditEntry{
		ActorID:    actorFrom(ctx),
		Action:     "commission.create",
		EntityType: "commission",
		EntityID:   fmt.Sprint(commission.ID),
		EntityName: deal.Name,
		Changes: []FieldChange{
			{Field: "rate", New: rule.Rate.String()},
			{Field: "amount", New: commission.Amount.StringFixed(s.cfg.MinorUnits)},
			{Field: "status", New: commission.Status},
		},
		Description: fmt.Sprintf("commission for deal %s via rule %q", deal.DealID, rule.Name),
		Success:     true,
		RuleID:      &ruleID,
	})
	s.logger.Infof("commission %d created for deal %s: %s", commission.ID, deal.DealID, commission.Amount.StringFixed(s.cfg.MinorUnits))
	return commission, nil
}

// ResolveCommissionForDeal loads the deal entity and resolves its commission.
func (s *CommissionService) ResolveCommissionForDeal(ctx context.Context, dealID string) (*models.Commission, error) {
	if s.repo == nil {
		return nil, errors.New("no entity repository configured")
	}
	deal, err := s.repo.Load(ctx, s.cfg.DealKind, dealID)
	if err != nil {
		return nil, err
	}
	return s.ResolveCommission(ctx, DealSnapshotFromEntity(*deal))
}

// ResolveTransition resolves the commission for a move into the won status.
// The close time is the host's transition stamp when it is newer than the old
// state's, else the stored record's, else now.
func (s *CommissionService) ResolveTransition(ctx context.Context, old *EntityState, next EntityState) (*models.Commission, error) {
	deal := DealSnapshotFromEntity(next)
	deal.ClosedAt = s.closeTime(ctx, old, next)
	return s.ResolveCommission(ctx, deal)
}

func (s *CommissionService) closeTime(ctx context.Context, old *EntityState, next EntityState) time.Time {
	fresh := func(t time.Time) bool {
		return !t.IsZero() && (old == nil || t.After(old.LastTransitionAt))
	}
	if fresh(next.LastTransitionAt) {
		return next.LastTransitionAt
	}
	if s.repo != nil && next.ID != "" {
		stored, err := s.repo.Load(ctx, s.cfg.DealKind, next.ID)
		if err == nil && stored.Status == s.cfg.WonStatus && fresh(stored.LastTransitionAt) {
			return stored.LastTransitionAt
		}
	}
	return s.now().UTC()
}

// ShouldResolve reports whether a transition is a move into the won status.
func (s *CommissionService) ShouldResolve(kind string, old *EntityState, next EntityState) bool {
	if !s.cfg.AutoResolve || kind != s.cfg.DealKind || next.Status != s.cfg.WonStatus {
		return false
	}
	return old == nil || old.Status != next.Status
}

func (s *CommissionService) findActive(ctx context.Context, key string) (*models.Commission, error) {
	var c models.Commission
	err := s.db.WithContext(ctx).Preload("Rule").Where("active_key = ?", key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup commission %s: %w", key, err)
	}
	return &c, nil
}

// GetCommission 按 ID 获取佣金
func (s *CommissionService) GetCommission(ctx context.Context, id uint) (*models.Commission, error) {
	var c models.Commission
	err := s.db.WithContext(ctx).Preload("Rule").First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("commission %d: %w", id, ErrCommissionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CommissionFilter narrows ListCommissions.
type CommissionFilter struct {
	UserID string
	DealID string
	Status string
	Limit  int
}

func (s *CommissionService) ListCommissions(ctx context.Context, filter CommissionFilter) ([]models.Commission, error) {
	query := s.db.WithContext(ctx).Model(&models.Commission{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.DealID != "" {
		query = query.Where("deal_id = ?", filter.DealID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Commission
	if err := query.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list commissions: %w", err)
	}
	return out, nil
}

// 允许的状态流转
var commissionTransitions = map[string][]string{
	models.CommissionStatusPending:  {models.CommissionStatusApproved, models.CommissionStatusRejected, models.CommissionStatusVoided},
	models.CommissionStatusApproved: {models.CommissionStatusPaid, models.CommissionStatusVoided},
	models.CommissionStatusRejected: {models.CommissionStatusVoided},
}

func canTransition(from, to string) bool {
	for _, s := range commissionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *CommissionService) Approve(ctx context.Context, id uint) (*models.Commission, error) {
	return s.transition(ctx, id, models.CommissionStatusApproved, "")
}

func (s *CommissionService) Reject(ctx context.Context, id uint, note string) (*models.Commission, error) {
	return s.transition(ctx, id, models.CommissionStatusRejected, note)
}

func (s *CommissionService) MarkPaid(ctx context.Context, id uint) (*models.Commission, error) {
	return s.transition(ctx, id, models.CommissionStatusPaid, "")
}

// Void 作废佣金，释放成交事件键以便重新计算
func (s *CommissionService) Void(ctx context.Context, id uint, note string) (*models.Commission, error) {
	return s.transition(ctx, id, models.CommissionStatusVoided, note)
}

func (s *CommissionService) transition(ctx context.Context, id uint, to, note string) (*models.Commission, error) {
	ctx, span := s.tracer.Start(ctx, "commission.transition")
	defer span.End()
	span.SetAttributes(attribute.String("status", to))

	current, err := s.GetCommission(ctx, id)
	if err != nil {
		return nil, err
	}
	from := current.Status
	if !canTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidCommissionTransition, from, to)
	}

	now := s.now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	switch to {
	case models.CommissionStatusApproved:
		updates["approved_at"] = now
	case models.CommissionStatusPaid:
		updates["paid_at"] = now
	case models.CommissionStatusRejected:
		updates["rejected_at"] = now
	case models.CommissionStatusVoided:
		updates["voided_at"] = now
		updates["active_key"] = nil
	}
	if note != "" {
		updates["note"] = note
	}

	// 以当前状态为条件更新，防止并发流转
	res := s.db.WithContext(ctx).Model(&models.Commission{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		span.RecordError(res.Error)
		return nil, fmt.Errorf("update commission %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: commission %d changed concurrently", ErrInvalidCommissionTransition, id)
	}

	ruleID := current.RuleID
	_ = s.audit.Record(ctx, AuditEntry{
		ActorID:     actorFrom(ctx),
		Action:      "commission." + to,
		EntityType:  "commission",
		EntityID:    fmt.Sprint(id),
		EntityName:  current.DealName,
		Changes:     []FieldChange{{Field: "status", Old: from, New: to}},
		Description: note,
		Success:     true,
		RuleID:      &ruleID,
	})
	return s.GetCommission(ctx, id)
}

// CommissionRuleRequest is the create/update payload of a commission rule.
type CommissionRuleRequest struct {
	Name         string           `json:"name" binding:"required"`
	Rate         decimal.Decimal  `json:"rate"`
	MinDealValue *decimal.Decimal `json:"min_deal_value"`
	MaxDealValue *decimal.Decimal `json:"max_deal_value"`
	ForUserID    *string          `json:"for_user_id"`
	ForRole      *string          `json:"for_role"`
	DealSource   *string          `json:"deal_source"`
	DealStage    *string          `json:"deal_stage"`
	Priority     int              `json:"priority"`
	Active       *bool            `json:"active"`
}

func (r CommissionRuleRequest) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if r.Rate.IsNegative() || r.Rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: rate must be between 0 and 1", ErrInvalidRequest)
	}
	if r.MinDealValue != nil && r.MaxDealValue != nil && r.MinDealValue.GreaterThan(*r.MaxDealValue) {
		return fmt.Errorf("%w: min_deal_value exceeds max_deal_value", ErrInvalidRequest)
	}
	return nil
}

func (r CommissionRuleRequest) apply(rule *models.CommissionRule) {
	rule.Name = r.Name
	rule.Rate = r.Rate
	rule.MinDealValue = nullDecimal(r.MinDealValue)
	rule.MaxDealValue = nullDecimal(r.MaxDealValue)
	rule.ForUserID = r.ForUserID
	rule.ForRole = r.ForRole
	rule.DealSource = r.DealSource
	rule.DealStage = r.DealStage
	rule.Priority = r.Priority
	if r.Active != nil {
		rule.Active = *r.Active
	}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func (s *CommissionService) CreateRule(ctx context.Context, req CommissionRuleRequest) (*models.CommissionRule, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	rule := &models.CommissionRule{Active: true}
	req.apply(rule)
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create commission rule: %w", err)
	}
	s.recordRuleChange(ctx, rule, "commission_rule.create", nil)
	return rule, nil
}

// UpdateRule rewrites a rule. Rules already referenced by a commission are
// frozen; only SetRuleActive may change them.
func (s *CommissionService) UpdateRule(ctx context.Context, id uint, req CommissionRuleRequest) (*models.CommissionRule, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	var refs int64
	if err := s.db.WithContext(ctx).Model(&models.Commission{}).Where("rule_id = ?", id).Count(&refs).Error; err != nil {
		return nil, fmt.Errorf("count rule references: %w", err)
	}
	if refs > 0 {
		return nil, fmt.Errorf("rule %d: %w", id, ErrRuleReferenced)
	}

	oldRate := rule.Rate.String()
	req.apply(rule)
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("update commission rule %d: %w", id, err)
	}
	s.recordRuleChange(ctx, rule, "commission_rule.update", []FieldChange{{Field: "rate", Old: oldRate, New: rule.Rate.String()}})
	return rule, nil
}

func (s *CommissionService) SetRuleActive(ctx context.Context, id uint, active bool) (*models.CommissionRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	old := rule.Active
	if err := s.db.WithContext(ctx).Model(rule).Update("active", active).Error; err != nil {
		return nil, fmt.Errorf("toggle commission rule %d: %w", id, err)
	}
	rule.Active = active
	s.recordRuleChange(ctx, rule, "commission_rule.toggle", []FieldChange{{Field: "active", Old: old, New: active}})
	return rule, nil
}

func (s *CommissionService) GetRule(ctx context.Context, id uint) (*models.CommissionRule, error) {
	var rule models.CommissionRule
	err := s.db.WithContext(ctx).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("commission rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules 按优先级从高到低列出规则
func (s *CommissionService) ListRules(ctx context.Context, activeOnly bool) ([]models.CommissionRule, error) {
	query := s.db.WithContext(ctx).Model(&models.CommissionRule{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var rules []models.CommissionRule
	if err := query.Order("priority DESC, created_at DESC, id DESC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list commission rules: %w", err)
	}
	return rules, nil
}

func (s *CommissionService) recordRuleChange(ctx context.Context, rule *models.CommissionRule, action string, changes []FieldChange) {
	ruleID := rule.ID
	_ = s.audit.Record(ctx, AuditEntry{
		ActorID:     actorFrom(ctx),
		Action:      action,
		EntityType:  "commission_rule",
		EntityID:    fmt.Sprint(rule.ID),
		EntityName:  rule.Name,
		Changes:     changes,
		Description: fmt.Sprintf("rate %s priority %d", rule.Rate.String(), rule.Priority),
		Success:     true,
		RuleID:      &ruleID,
	})
}
