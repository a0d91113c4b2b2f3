package services

import (
	"fmt"
	"time"

	"bizflow/internal/models"

	"github.com/shopspring/decimal"
)

// DealSnapshot is the view of a closed deal used for rate resolution.
type DealSnapshot struct {
	DealID       string          `json:"deal_id"`
	Name         string          `json:"name"`
	Value        decimal.Decimal `json:"value"`
	AssigneeID   string          `json:"assignee_id"`
	AssigneeRole string          `json:"assignee_role"`
	Source       string          `json:"source"`
	Stage        string          `json:"stage"`
	ClosedAt     time.Time       `json:"closed_at"`
}

// DealSnapshotFromEntity builds a snapshot from a deal entity. The close time
// is the moment of its last status transition.
func DealSnapshotFromEntity(e EntityState) DealSnapshot {
	closedAt := e.LastTransitionAt
	if closedAt.IsZero() {
		closedAt = e.UpdatedAt
	}
	return DealSnapshot{
		DealID:       e.ID,
		Name:         e.Name,
		Value:        decimal.NewFromFloat(e.Value),
		AssigneeID:   e.AssigneeID,
		AssigneeRole: e.AssigneeRole,
		Source:       e.Source,
		Stage:        e.Status,
		ClosedAt:     closedAt,
	}
}

// EventKey identifies one Closed-Won event of a deal.
func (d DealSnapshot) EventKey() string {
	return fmt.Sprintf("%s@%s", d.DealID, d.ClosedAt.UTC().Format(time.RFC3339Nano))
}

// RateResolver picks the single best commission rule for a deal.
type RateResolver struct{}

func NewRateResolver() *RateResolver {
	return &RateResolver{}
}

// Resolve returns the matching active rule with the highest priority. Ties go
// to the most recently created rule, then to the larger id. When nothing
// matches it returns ErrNoMatchingRate and leaves the policy to the caller.
func (r *RateResolver) Resolve(deal DealSnapshot, rules []models.CommissionRule) (*models.CommissionRule, error) {
	var best *models.CommissionRule
	for i := range rules {
		rule := &rules[i]
		if !rule.Active || !ruleMatches(*rule, deal) {
			continue
		}
		if best == nil || outranks(*rule, *best) {
			best = rule
		}
	}
	if best == nil {
		return nil, fmt.Errorf("deal %s: %w", deal.DealID, ErrNoMatchingRate)
	}
	out := *best
	return &out, nil
}

func outranks(a, b models.CommissionRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func ruleMatches(rule models.CommissionRule, deal DealSnapshot) bool {
	if rule.MinDealValue.Valid && deal.Value.LessThan(rule.MinDealValue.Decimal) {
		return false
	}
	if rule.MaxDealValue.Valid && deal.Value.GreaterThan(rule.MaxDealValue.Decimal) {
		return false
	}
	if !optionalEquals(rule.ForUserID, deal.AssigneeID) {
		return false
	}
	if !optionalEquals(rule.ForRole, deal.AssigneeRole) {
		return false
	}
	if !optionalEquals(rule.DealSource, deal.Source) {
		return false
	}
	return optionalEquals(rule.DealStage, deal.Stage)
}

// optionalEquals treats a nil or empty condition as unset.
func optionalEquals(cond *string, actual string) bool {
	if cond == nil || *cond == "" {
		return true
	}
	return *cond == actual
}

// ComputeCommission returns value*rate rounded half away from zero to places
// decimal digits.
func ComputeCommission(value, rate decimal.Decimal, places int32) decimal.Decimal {
	return value.Mul(rate).Round(places)
}
