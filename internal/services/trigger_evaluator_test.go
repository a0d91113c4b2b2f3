package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageRule(id uint, from, to string) AutomationRule {
	return AutomationRule{
		ID:         id,
		Name:       "stage",
		EntityKind: "deal",
		Active:     true,
		Trigger:    StageChangeTrigger{From: from, To: to},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, int(id), 0, time.UTC),
	}
}

func deal(status string, value float64) EntityState {
	return EntityState{ID: "d-1", Kind: "deal", Status: status, Value: value}
}

func TestEvaluate_SameStatusNeverFiresStageChange(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	statuses := []string{"", "New", "Negotiation", "Closed Won", "Closed Lost"}

	var rules []AutomationRule
	for i, s := range statuses {
		rules = append(rules, stageRule(uint(i+1), AnyStatus, s), stageRule(uint(i+10), s, "Closed Won"))
	}

	for _, s := range statuses {
		old := deal(s, 100)
		next := deal(s, 200)
		assert.Empty(t, ev.Evaluate(rules, "deal", &old, next), "status %q", s)
	}
}

func TestEvaluate_StageChangeEdges(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	old := deal("Negotiation", 0)
	next := deal("Closed Won", 0)

	cases := []struct {
		name  string
		rule  AutomationRule
		fires bool
	}{
		{"wildcard from", stageRule(1, AnyStatus, "Closed Won"), true},
		{"exact from", stageRule(2, "Negotiation", "Closed Won"), true},
		{"other from", stageRule(3, "Proposal", "Closed Won"), false},
		{"other to", stageRule(4, AnyStatus, "Closed Lost"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ev.Evaluate([]AutomationRule{tc.rule}, "deal", &old, next)
			assert.Equal(t, tc.fires, len(got) == 1)
		})
	}
}

func TestEvaluate_FirstSaveTreatsOldStatusAsEmpty(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	rules := []AutomationRule{stageRule(1, AnyStatus, "New"), stageRule(2, "Negotiation", "New")}

	got := ev.Evaluate(rules, "deal", nil, deal("New", 0))
	require.Len(t, got, 1)
	assert.Equal(t, uint(1), got[0].ID)
}

func TestEvaluate_ValueThresholdCrossing(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	rules := []AutomationRule{{
		ID: 1, EntityKind: "deal", Active: true,
		Trigger: ValueThresholdTrigger{Operator: ">=", Amount: 50000},
	}}

	old := deal("Negotiation", 40000)
	next := deal("Negotiation", 60000)
	assert.Len(t, ev.Evaluate(rules, "deal", &old, next), 1)

	// unrelated save above the threshold
	again := next
	again.Name = "renamed"
	assert.Empty(t, ev.Evaluate(rules, "deal", &next, again))

	// dropping below never fires a >= rule
	down := deal("Negotiation", 30000)
	assert.Empty(t, ev.Evaluate(rules, "deal", &next, down))
}

func TestEvaluate_ValueThresholdFirstSave(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	rules := []AutomationRule{{
		ID: 1, EntityKind: "deal", Active: true,
		Trigger: ValueThresholdTrigger{Operator: ">", Amount: 1000},
	}}

	assert.Len(t, ev.Evaluate(rules, "deal", nil, deal("New", 1500)), 1)
	assert.Empty(t, ev.Evaluate(rules, "deal", nil, deal("New", 500)))
}

func TestEvaluate_ValueThresholdOnCustomField(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	rules := []AutomationRule{{
		ID: 1, EntityKind: "deal", Active: true,
		Trigger: ValueThresholdTrigger{Field: "discount", Operator: ">", Amount: 20},
	}}

	old := deal("New", 0)
	old.Fields = map[string]interface{}{"discount": 10.0}
	next := deal("New", 0)
	next.Fields = map[string]interface{}{"discount": "25"}
	assert.Len(t, ev.Evaluate(rules, "deal", &old, next), 1)

	missing := deal("New", 0)
	assert.Empty(t, ev.Evaluate(rules, "deal", &old, missing))
}

func TestEvaluate_SkipsInactiveOtherKindsAndTimeDriven(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	inactive := stageRule(1, AnyStatus, "Won")
	inactive.Active = false
	otherKind := stageRule(2, AnyStatus, "Won")
	otherKind.EntityKind = "lead"
	idle := AutomationRule{ID: 3, EntityKind: "deal", Active: true, Trigger: IdleForTrigger{Days: 1}}
	date := AutomationRule{ID: 4, EntityKind: "deal", Active: true, Trigger: DateReachedTrigger{Field: "due"}}

	old := deal("New", 0)
	got := ev.Evaluate([]AutomationRule{inactive, otherKind, idle, date}, "deal", &old, deal("Won", 0))
	assert.Empty(t, got)
}

func TestEvaluate_MalformedTriggerNeverSatisfied(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	bad := AutomationRule{
		ID: 1, EntityKind: "deal", Active: true,
		Trigger: ValueThresholdTrigger{Operator: "~", Amount: 1},
	}
	good := stageRule(2, AnyStatus, "Won")

	old := deal("New", 0)
	got := ev.Evaluate([]AutomationRule{bad, good}, "deal", &old, deal("Won", 10))
	require.Len(t, got, 1)
	assert.Equal(t, uint(2), got[0].ID)
}

func TestEvaluate_OrdersByCreation(t *testing.T) {
	ev := NewTriggerEvaluator(quietLogger())
	late := stageRule(1, AnyStatus, "Won")
	late.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	early := stageRule(2, AnyStatus, "Won")
	early.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sameAsEarly := stageRule(3, AnyStatus, "Won")
	sameAsEarly.CreatedAt = early.CreatedAt

	old := deal("New", 0)
	got := ev.Evaluate([]AutomationRule{late, sameAsEarly, early}, "deal", &old, deal("Won", 0))
	require.Len(t, got, 3)
	assert.Equal(t, []uint{2, 3, 1}, []uint{got[0].ID, got[1].ID, got[2].ID})
}
