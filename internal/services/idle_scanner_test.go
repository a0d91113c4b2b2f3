package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRunIdleScanCycle_FiresOncePerDay(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	e.scanner.now = func() time.Time { return now }

	rule := e.createRule(t, "stale deal",
		TriggerConfig{Type: TriggerIdleFor, Days: 7},
		ActionConfig{Type: ActionNotifyUser, UserID: "{{entity.assignee_id}}", Title: "{{entity.name}} is idle"})
	e.seedDeal(t, EntityState{ID: "d-1", Name: "Acme", Status: "Negotiation", AssigneeID: "u-1",
		LastTransitionAt: now.Add(-10 * 24 * time.Hour)})
	e.notifier.On("Notify", mock.Anything, "u-1", "Acme is idle", "").Return(nil)

	report, err := e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	now = now.Add(6 * time.Hour)
	report, err = e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired)
	assert.Equal(t, 1, report.Deduplicated)

	now = now.Add(24 * time.Hour)
	report, err = e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	e.notifier.AssertNumberOfCalls(t, "Notify", 2)

	entries, err := e.audit.ListEntries(context.Background(), AuditFilter{EntityType: "deal", EntityID: "d-1", RuleID: &rule.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, string(OriginIdleScan), entry.Origin)
		assert.Nil(t, entry.ActorID)
	}
	assert.NotEqual(t, entries[0].TransitionID, entries[1].TransitionID)
}

func TestRunIdleScanCycle_SkipsFreshAndTerminalEntities(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	e.scanner.now = func() time.Time { return now }

	e.createRule(t, "stale deal",
		TriggerConfig{Type: TriggerIdleFor, Days: 7},
		ActionConfig{Type: ActionNotifyUser, UserID: "u-1", Title: "idle"})
	e.seedDeal(t, EntityState{ID: "won", Status: "Closed Won", LastTransitionAt: now.Add(-30 * 24 * time.Hour)})
	e.seedDeal(t, EntityState{ID: "fresh", Status: "Negotiation", LastTransitionAt: now.Add(-6 * 24 * time.Hour)})

	report, err := e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
	assert.Equal(t, 0, report.Fired)
	e.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunIdleScanCycle_DateReachedFiresOncePerDate(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	e.scanner.now = func() time.Time { return now }

	e.createRule(t, "renewal due",
		TriggerConfig{Type: TriggerDateReached, Field: "renewal_date"},
		ActionConfig{Type: ActionSendEmail, Template: "renewal", Recipient: "ops@example.com"})
	e.seedDeal(t, EntityState{ID: "due", Status: "Negotiation", Fields: map[string]interface{}{"renewal_date": "2026-10-15"}})
	e.seedDeal(t, EntityState{ID: "later", Status: "Negotiation", Fields: map[string]interface{}{"renewal_date": "2026-12-01"}})
	e.notifier.On("SendEmail", mock.Anything, "renewal", "ops@example.com", mock.Anything).Return(nil)

	report, err := e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	// the next day the same date is still past but already handled
	now = now.Add(24 * time.Hour)
	report, err = e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired)

	_, err = e.repo.Save(context.Background(), "deal", "due", EntityPatch{Fields: map[string]interface{}{"renewal_date": "2026-10-18"}})
	require.NoError(t, err)
	report, err = e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	e.notifier.AssertNumberOfCalls(t, "SendEmail", 2)
}

func TestRunIdleScanCycle_SingleFlight(t *testing.T) {
	e := newTestEngine(t)
	e.scanner.running.Store(true)

	report, err := e.scanner.RunIdleScanCycle(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrScanInProgress)

	e.scanner.running.Store(false)
	_, err = e.scanner.RunIdleScanCycle(context.Background())
	assert.NoError(t, err)
}

// flakyLedger fails for one entity and delegates the rest.
type flakyLedger struct {
	FireLedger
	failFor string
}

func (l flakyLedger) CheckAndMark(ctx context.Context, ruleID uint, entityID, bucket string) (bool, error) {
	if entityID == l.failFor {
		return false, errors.New("ledger unavailable")
	}
	return l.FireLedger.CheckAndMark(ctx, ruleID, entityID, bucket)
}

func TestRunIdleScanCycle_EntityFailureDoesNotAbortCycle(t *testing.T) {
	e := newTestEngine(t)
	now := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	e.scanner.now = func() time.Time { return now }
	e.scanner.ledger = flakyLedger{FireLedger: NewMemoryFireLedger(), failFor: "d-1"}

	e.createRule(t, "stale deal",
		TriggerConfig{Type: TriggerIdleFor, Days: 7},
		ActionConfig{Type: ActionNotifyUser, UserID: "u-1", Title: "idle"})
	e.seedDeal(t, EntityState{ID: "d-1", Status: "Negotiation", LastTransitionAt: now.Add(-8 * 24 * time.Hour)})
	e.seedDeal(t, EntityState{ID: "d-2", Status: "Negotiation", LastTransitionAt: now.Add(-8 * 24 * time.Hour)})
	e.notifier.On("Notify", mock.Anything, "u-1", "idle", "").Return(nil)

	report, err := e.scanner.RunIdleScanCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Fired)
}

type failingRuleSource struct{}

func (failingRuleSource) ActiveRules(context.Context, string) ([]AutomationRule, error) {
	return nil, errors.New("database unreachable")
}

func TestRunIdleScanCycle_RuleLoadFailureAbortsCycleOnly(t *testing.T) {
	e := newTestEngine(t)
	e.scanner.rules = failingRuleSource{}

	_, err := e.scanner.RunIdleScanCycle(context.Background())
	assert.Error(t, err)

	// the next cycle runs again
	e.scanner.rules = e.automation
	_, err = e.scanner.RunIdleScanCycle(context.Background())
	assert.NoError(t, err)
}

func TestIdleScanner_StartStopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.scanner.Start(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
