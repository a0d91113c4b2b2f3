package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestExecute_FailureIsIsolatedAndEveryActionAudited(t *testing.T) {
	e := newTestEngine(t)
	d := e.seedDeal(t, EntityState{ID: "d-1", Name: "Acme", Status: "Negotiation", AssigneeID: "u-7"})

	e.notifier.On("Notify", mock.Anything, "u-7", "Acme stalled", "").Return(errors.New("smtp down")).Once()
	e.tasks.On("CreateTask", mock.Anything, "Call Acme", "u-7").Return("t-1", nil).Once()
	e.notifier.On("SendEmail", mock.Anything, "stalled", "boss@example.com", mock.Anything).Return(nil).Once()

	rule := AutomationRule{
		ID:   42,
		Name: "stalled",
		Actions: []Action{
			NotifyUserAction{UserID: "{{entity.assignee_id}}", Title: "{{entity.name}} stalled"},
			CreateTaskAction{Title: "Call {{entity.name}}"},
			SendEmailAction{Template: "stalled", Recipient: "boss@example.com"},
		},
	}

	ctx, meta := newTransition(context.Background(), OriginMutation)
	results := e.executor.Execute(ctx, rule, d)

	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	var execErr *ActionExecutionError
	require.True(t, errors.As(results[0].Error, &execErr))
	assert.Equal(t, ActionNotifyUser, execErr.Action)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)

	entries := e.auditFor(t, meta.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, "automation.notify_user", entries[0].Action)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, "smtp down")
	assert.Equal(t, "automation.create_task", entries[1].Action)
	assert.True(t, entries[1].Success)
	assert.True(t, entries[2].Success)
	for _, entry := range entries {
		require.NotNil(t, entry.RuleID)
		assert.Equal(t, uint(42), *entry.RuleID)
		assert.Equal(t, "d-1", entry.EntityID)
		assert.Equal(t, string(OriginMutation), entry.Origin)
	}

	e.notifier.AssertExpectations(t)
	e.tasks.AssertExpectations(t)
}

func TestExecute_SetFieldWritesAndRecordsChange(t *testing.T) {
	e := newTestEngine(t)
	d := e.seedDeal(t, EntityState{ID: "d-1", Status: "New", Fields: map[string]interface{}{"priority": "low"}})

	rule := AutomationRule{ID: 1, Name: "escalate", Actions: []Action{SetFieldAction{Name: "priority", Value: "high"}}}
	ctx, meta := newTransition(context.Background(), OriginMutation)
	results := e.executor.Execute(ctx, rule, d)
	require.Len(t, results, 1)
	require.True(t, results[0].Success, "%v", results[0].Error)

	stored, err := e.repo.Load(context.Background(), "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "high", stored.Fields["priority"])

	entries := e.auditFor(t, meta.ID)
	require.Len(t, entries, 1)
	var changes []FieldChange
	require.NoError(t, json.Unmarshal([]byte(entries[0].Changes), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, FieldChange{Field: "priority", Old: "low", New: "high"}, changes[0])
}

func TestExecute_SetFieldReentryStopsAfterOneLevel(t *testing.T) {
	// deeper configured depths are clamped to one level
	for _, configured := range []int{1, 5} {
		configured := configured
		t.Run(fmt.Sprintf("depth %d", configured), func(t *testing.T) {
			e := newTestEngineWithDepth(t, configured)
			d := e.seedDeal(t, EntityState{ID: "d-1", Status: "New"})

			e.createRule(t, "won archives",
				TriggerConfig{Type: TriggerStageChange, To: "Won"},
				ActionConfig{Type: ActionSetField, Name: "status", Value: "Archived"})
			e.createRule(t, "archived reopens",
				TriggerConfig{Type: TriggerStageChange, From: "Won", To: "Archived"},
				ActionConfig{Type: ActionSetField, Name: "status", Value: "Reopened"})
			e.createRule(t, "reopened notifies",
				TriggerConfig{Type: TriggerStageChange, From: "Archived", To: "Reopened"},
				ActionConfig{Type: ActionNotifyUser, UserID: "u-1", Title: "loop"})

			_, err := e.repo.Save(context.Background(), "deal", "d-1", EntityPatch{Status: strPtr("Won")})
			require.NoError(t, err)
			next := d
			next.Status = "Won"

			result := e.automation.OnTransition(context.Background(), "deal", "d-1", &d, next)
			assert.Equal(t, StageCompleted, result.Stage)

			stored, err := e.repo.Load(context.Background(), "deal", "d-1")
			require.NoError(t, err)
			// depth 0 wrote Archived, depth 1 wrote Reopened without re-entering again
			assert.Equal(t, "Reopened", stored.Status)
			e.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			entries, err := e.audit.ListEntries(context.Background(), AuditFilter{EntityType: "deal", EntityID: "d-1"})
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, string(OriginMutation), entries[0].Origin)
			assert.Equal(t, string(OriginSetField), entries[1].Origin)
		})
	}
}

func TestExecute_TimedOutActionIsAFailure(t *testing.T) {
	e := newTestEngine(t)
	e.executor.timeout = 20 * time.Millisecond
	d := e.seedDeal(t, EntityState{ID: "d-1", Status: "New"})

	e.notifier.On("NotifyRole", mock.Anything, "CEO", "slow", "").
		WaitUntil(time.After(300 * time.Millisecond)).
		Return(nil)
	e.tasks.On("CreateTask", mock.Anything, "next", "u-1").Return("t-1", nil)

	rule := AutomationRule{ID: 1, Name: "slow", Actions: []Action{
		NotifyRoleAction{Role: "CEO", Title: "slow"},
		CreateTaskAction{Title: "next", AssigneeID: "u-1"},
	}}
	results := e.executor.Execute(context.Background(), rule, d)

	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
	assert.True(t, results[1].Success)
}

func TestExecute_CreateTaskWithoutAssigneeFails(t *testing.T) {
	e := newTestEngine(t)
	d := e.seedDeal(t, EntityState{ID: "d-1", Status: "New"})

	rule := AutomationRule{ID: 1, Name: "task", Actions: []Action{CreateTaskAction{Title: "follow up"}}}
	results := e.executor.Execute(context.Background(), rule, d)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	e.tasks.AssertNotCalled(t, "CreateTask", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecute_SetFieldOnMissingEntityFails(t *testing.T) {
	e := newTestEngine(t)
	rule := AutomationRule{ID: 1, Name: "ghost", Actions: []Action{SetFieldAction{Name: "status", Value: "Lost"}}}

	results := e.executor.Execute(context.Background(), rule, EntityState{ID: "nope", Kind: "deal"})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Error, ErrEntityNotFound)
}

func TestActionResult_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(ActionResult{
		Action: NotifyRoleAction{Role: "CEO", Title: "won"},
		Error:  errors.New("boom"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":{"type":"notify_role","role":"CEO","title":"won"},"success":false,"error":"boom"}`, string(data))
}
