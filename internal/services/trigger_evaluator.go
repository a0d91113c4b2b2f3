package services

import (
	"fmt"
	"sort"

	"bizflow/internal/metrics"

	"github.com/sirupsen/logrus"
)

// TriggerEvaluator decides which mutation-driven rules fire for a transition.
// IdleFor and DateReached are time-driven and only the IdleScanner matches them.
type TriggerEvaluator struct {
	logger *logrus.Logger
}

func NewTriggerEvaluator(logger *logrus.Logger) *TriggerEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	return &TriggerEvaluator{logger: logger}
}

// Evaluate returns the active rules for entityKind whose trigger is satisfied
// by the (old, next) pair, in creation order. A nil old means first save.
func (e *TriggerEvaluator) Evaluate(rules []AutomationRule, entityKind string, old *EntityState, next EntityState) []AutomationRule {
	var matched []AutomationRule
	for _, rule := range rules {
		if !rule.Active || rule.EntityKind != entityKind {
			continue
		}
		if e.satisfied(rule, old, next) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func (e *TriggerEvaluator) satisfied(rule AutomationRule, old *EntityState, next EntityState) bool {
	switch t := rule.Trigger.(type) {
	case StageChangeTrigger:
		return stageChanged(t, old, next)
	case ValueThresholdTrigger:
		ok, err := thresholdCrossed(t, old, next)
		if err != nil {
			e.warn(rule, err)
			return false
		}
		return ok
	case IdleForTrigger, DateReachedTrigger:
		return false
	default:
		e.warn(rule, fmt.Errorf("unsupported trigger %T", rule.Trigger))
		return false
	}
}

func (e *TriggerEvaluator) warn(rule AutomationRule, err error) {
	metrics.IncConfigWarning()
	e.logger.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
	}).Warnf("automation: rule never satisfied: %v", err)
}

func stageChanged(t StageChangeTrigger, old *EntityState, next EntityState) bool {
	from := ""
	if old != nil {
		from = old.Status
	}
	if from == next.Status {
		return false
	}
	if t.From != AnyStatus && t.From != from {
		return false
	}
	return t.To == next.Status
}

// thresholdCrossed holds when new satisfies the comparison and old did not,
// so unrelated saves above the threshold do not fire again.
func thresholdCrossed(t ValueThresholdTrigger, old *EntityState, next EntityState) (bool, error) {
	nv, ok := next.Number(t.field())
	if !ok {
		return false, nil
	}
	now, err := compare(t.Operator, nv, t.Amount)
	if err != nil || !now {
		return false, err
	}
	if old == nil {
		return true, nil
	}
	ov, ok := old.Number(t.field())
	if !ok {
		return true, nil
	}
	before, err := compare(t.Operator, ov, t.Amount)
	if err != nil {
		return false, err
	}
	return !before, nil
}

func validOperator(op string) bool {
	_, err := compare(op, 0, 0)
	return err == nil
}

func compare(op string, a, b float64) (bool, error) {
	switch op {
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}
