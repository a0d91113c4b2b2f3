package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bizflow/internal/metrics"
	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// TransitionStage is the progress of one transition through the pipeline.
type TransitionStage string

const (
	StageReceived  TransitionStage = "received"
	StageEvaluated TransitionStage = "evaluated"
	StageExecuting TransitionStage = "executing"
	StageCompleted TransitionStage = "completed"
)

// RuleExecution groups the action results of one fired rule.
type RuleExecution struct {
	RuleID   uint           `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Results  []ActionResult `json:"results"`
}

// TransitionResult is what the host receives from OnTransition. It never
// carries an error for the host's own mutation; failures live in Results.
type TransitionResult struct {
	TransitionID string             `json:"transition_id"`
	EntityKind   string             `json:"entity_kind"`
	EntityID     string             `json:"entity_id"`
	Origin       Origin             `json:"origin"`
	Depth        int                `json:"depth"`
	Stage        TransitionStage    `json:"stage"`
	Executions   []RuleExecution    `json:"executions"`
	Commission   *models.Commission `json:"commission,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Failed counts failed actions across every fired rule.
func (r *TransitionResult) Failed() int {
	n := 0
	for _, ex := range r.Executions {
		for _, res := range ex.Results {
			if !res.Success {
				n++
			}
		}
	}
	return n
}

// AutomationService 自动化编排：加载规则、评估触发条件、执行动作
type AutomationService struct {
	db          *gorm.DB
	evaluator   *TriggerEvaluator
	executor    *ActionExecutor
	commissions *CommissionService
	audit       *AuditService
	logger      *logrus.Logger
	tracer      trace.Tracer
}

// NewAutomationService wires the orchestrator and installs itself as the
// SetField re-entry hook of executor. commissions may be nil.
func NewAutomationService(db *gorm.DB, executor *ActionExecutor, commissions *CommissionService, audit *AuditService, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AutomationService{
		db:          db,
		evaluator:   NewTriggerEvaluator(logger),
		executor:    executor,
		commissions: commissions,
		audit:       audit,
		logger:      logger,
		tracer:      otel.Tracer("bizflow.automation"),
	}
	executor.SetReentry(func(ctx context.Context, kind, id string, old *EntityState, next EntityState) {
		s.OnTransition(ctx, kind, id, old, next)
	})
	return s
}

// OnTransition runs the automation pipeline for one entity mutation. It runs
// synchronously in the caller's request and always reaches StageCompleted.
func (s *AutomationService) OnTransition(ctx context.Context, kind, id string, old *EntityState, next EntityState) (result *TransitionResult) {
	ctx, meta := newTransition(ctx, OriginMutation)
	ctx, span := s.tracer.Start(ctx, "automation.on_transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_kind", kind),
		attribute.String("entity_id", id),
		attribute.String("transition_id", meta.ID),
		attribute.Int("depth", meta.Depth),
	)

	next.Kind, next.ID = kind, id
	result = &TransitionResult{
		TransitionID: meta.ID,
		EntityKind:   kind,
		EntityID:     id,
		Origin:       meta.Origin,
		Depth:        meta.Depth,
		Stage:        StageReceived,
	}
	log := s.logger.WithFields(logrus.Fields{
		"transition_id": meta.ID,
		"entity_kind":   kind,
		"entity_id":     id,
		"origin":        meta.Origin,
	})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("automation: pipeline panic: %v", r)
			result.Warnings = append(result.Warnings, fmt.Sprintf("pipeline panic: %v", r))
		}
		result.Stage = StageCompleted
	}()

	rules, err := s.ActiveRules(ctx, kind)
	if err != nil {
		log.Errorf("automation: load rules failed: %v", err)
		result.Warnings = append(result.Warnings, err.Error())
	}
	matched := s.evaluator.Evaluate(rules, kind, old, next)
	result.Stage = StageEvaluated

	if len(matched) > 0 {
		result.Stage = StageExecuting
	}
	for _, rule := range matched {
		metrics.ObserveRuleFired(string(rule.Trigger.Type()), string(meta.Origin))
		log.Infof("automation: rule %d %q fired", rule.ID, rule.Name)
		results := s.executor.Execute(ctx, rule, next)
		result.Executions = append(result.Executions, RuleExecution{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Results:  results,
		})
	}

	if s.commissions != nil && s.commissions.ShouldResolve(kind, old, next) {
		c, err := s.commissions.ResolveTransition(ctx, old, next)
		switch {
		case err == nil:
			result.Commission = c
		case errors.Is(err, ErrNoMatchingRate):
			result.Warnings = append(result.Warnings, err.Error())
		default:
			log.Errorf("automation: commission resolution failed: %v", err)
			result.Warnings = append(result.Warnings, err.Error())
		}
	}

	if n := result.Failed(); n > 0 {
		span.SetAttributes(attribute.Int("failed_actions", n))
	}
	return result
}

// ActiveRules loads and decodes active rules. An empty kind loads every kind.
// Rules that fail to decode are skipped with a configuration warning.
func (s *AutomationService) ActiveRules(ctx context.Context, kind string) ([]AutomationRule, error) {
	query := s.db.WithContext(ctx).Where("active = ?", true)
	if kind != "" {
		query = query.Where("entity_kind = ?", kind)
	}
	var rows []models.AutomationRule
	if err := query.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load automation rules: %w", err)
	}

	rules := make([]AutomationRule, 0, len(rows))
	for _, row := range rows {
		rule, err := DecodeRule(row)
		if err != nil {
			metrics.IncConfigWarning()
			s.logger.WithField("rule_id", row.ID).Warnf("automation: skipping rule: %v", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// AutomationRuleRequest 创建/更新自动化规则的请求
type AutomationRuleRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	EntityKind  string         `json:"entity_kind" binding:"required"`
	Trigger     TriggerConfig  `json:"trigger"`
	Actions     []ActionConfig `json:"actions"`
	Active      *bool          `json:"active"`
}

// encode validates the request the same way stored rules are decoded, so a
// rule accepted here can never be skipped at load time.
func (r *AutomationRuleRequest) encode() (trigger string, actions string, err error) {
	if r.Name == "" || r.EntityKind == "" {
		return "", "", fmt.Errorf("%w: name and entity_kind are required", ErrInvalidRequest)
	}
	if _, err := r.Trigger.ToTrigger(); err != nil {
		return "", "", &ConfigurationError{Reason: "invalid trigger", Err: err}
	}
	if len(r.Actions) == 0 {
		return "", "", &ConfigurationError{Reason: "at least one action is required"}
	}
	for i, ac := range r.Actions {
		if _, err := ac.ToAction(); err != nil {
			return "", "", &ConfigurationError{Reason: fmt.Sprintf("invalid action #%d", i+1), Err: err}
		}
	}
	tj, err := json.Marshal(r.Trigger)
	if err != nil {
		return "", "", err
	}
	aj, err := json.Marshal(r.Actions)
	if err != nil {
		return "", "", err
	}
	return string(tj), string(aj), nil
}

// ListRules 返回所有自动化规则
func (s *AutomationService) ListRules(ctx context.Context, kind string) ([]models.AutomationRule, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if kind != "" {
		query = query.Where("entity_kind = ?", kind)
	}
	var rules []models.AutomationRule
	if err := query.Order("created_at ASC, id ASC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("automation rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule 新建规则
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRequest)
	}
	trigger, actions, err := req.encode()
	if err != nil {
		return nil, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now()
	rule := &models.AutomationRule{
		Name:        req.Name,
		Description: req.Description,
		EntityKind:  req.EntityKind,
		TriggerType: string(req.Trigger.Type),
		Trigger:     trigger,
		Actions:     actions,
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if actor := actorFrom(ctx); actor != nil {
		rule.CreatedBy = *actor
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	s.recordRuleChange(ctx, rule, "automation_rule.create", nil)
	return rule, nil
}

// UpdateRule replaces name, trigger and actions of a rule.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRequest)
	}
	trigger, actions, err := req.encode()
	if err != nil {
		return nil, err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := []FieldChange{}
	if rule.Trigger != trigger {
		changes = append(changes, FieldChange{Field: "trigger", Old: rule.Trigger, New: trigger})
	}
	if rule.Actions != actions {
		changes = append(changes, FieldChange{Field: "actions", Old: rule.Actions, New: actions})
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.EntityKind = req.EntityKind
	rule.TriggerType = string(req.Trigger.Type)
	rule.Trigger = trigger
	rule.Actions = actions
	if req.Active != nil {
		rule.Active = *req.Active
	}
	rule.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, err
	}
	s.recordRuleChange(ctx, rule, "automation_rule.update", changes)
	return rule, nil
}

// SetActive 启用/停用规则，这是引擎之外唯一会改动规则状态的操作
func (s *AutomationService) SetActive(ctx context.Context, id uint, active bool) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	old := rule.Active
	if err := s.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"active":     active,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return nil, err
	}
	rule.Active = active
	s.recordRuleChange(ctx, rule, "automation_rule.toggle", []FieldChange{{Field: "active", Old: old, New: active}})
	return rule, nil
}

// DeleteRule 删除规则
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id).Error; err != nil {
		return err
	}
	s.recordRuleChange(ctx, rule, "automation_rule.delete", nil)
	return nil
}

func (s *AutomationService) recordRuleChange(ctx context.Context, rule *models.AutomationRule, action string, changes []FieldChange) {
	ruleID := rule.ID
	_ = s.audit.Record(ctx, AuditEntry{
		ActorID:     actorFrom(ctx),
		Action:      action,
		EntityType:  "automation_rule",
		EntityID:    fmt.Sprint(rule.ID),
		EntityName:  rule.Name,
		Changes:     changes,
		Description: fmt.Sprintf("%s rule on %s", rule.TriggerType, rule.EntityKind),
		Success:     true,
		RuleID:      &ruleID,
	})
}
