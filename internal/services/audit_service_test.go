package services

import (
	"context"
	"errors"
	"testing"

	"bizflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	svc := NewAuditService(NewGormAuditStore(db), quietLogger())
	ctx := WithActor(context.Background(), "admin-1")
	ruleID := uint(3)

	require.NoError(t, svc.Record(ctx, AuditEntry{
		ActorID:      actorFrom(ctx),
		Action:       "automation.set_field",
		EntityType:   "deal",
		EntityID:     "d-1",
		Changes:      []FieldChange{{Field: "status", Old: "New", New: "Won"}},
		Success:      true,
		RuleID:       &ruleID,
		TransitionID: "tr-1",
		Origin:       OriginMutation,
	}))
	require.NoError(t, svc.Record(context.Background(), AuditEntry{
		Action: "automation.notify_role", EntityType: "deal", EntityID: "d-2", Success: false, Error: "boom",
	}))

	all, err := svc.ListEntries(context.Background(), AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].CreatedAt.IsZero())
	require.NotNil(t, all[0].ActorID)
	assert.Equal(t, "admin-1", *all[0].ActorID)
	assert.Nil(t, all[1].ActorID)
	assert.JSONEq(t, `[{"field":"status","old":"New","new":"Won"}]`, all[0].Changes)

	byEntity, err := svc.ListEntries(context.Background(), AuditFilter{EntityType: "deal", EntityID: "d-2"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "boom", byEntity[0].Error)

	byRule, err := svc.ListEntries(context.Background(), AuditFilter{RuleID: &ruleID})
	require.NoError(t, err)
	assert.Len(t, byRule, 1)
}

func TestAuditEntry_IsImmutable(t *testing.T) {
	db := newTestDB(t)
	entry := &models.AuditEntry{Action: "x", EntityType: "deal", EntityID: "d-1", Success: true}
	require.NoError(t, db.Create(entry).Error)

	entry.Success = false
	assert.ErrorIs(t, db.Save(entry).Error, models.ErrAuditImmutable)
	assert.ErrorIs(t, db.Delete(entry).Error, models.ErrAuditImmutable)

	var stored models.AuditEntry
	require.NoError(t, db.First(&stored, entry.ID).Error)
	assert.True(t, stored.Success)
}

type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func (failingAuditStore) List(context.Context, AuditFilter) ([]models.AuditEntry, error) {
	return nil, nil
}

func TestAuditService_WriteFailureDoesNotAbortActions(t *testing.T) {
	e := newTestEngine(t)
	e.executor.audit = NewAuditService(failingAuditStore{}, quietLogger())
	d := e.seedDeal(t, EntityState{ID: "d-1", Status: "New"})

	rule := AutomationRule{ID: 1, Name: "r", Actions: []Action{SetFieldAction{Name: "flag", Value: "on"}}}
	results := e.executor.Execute(context.Background(), rule, d)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	stored, err := e.repo.Load(context.Background(), "deal", "d-1")
	require.NoError(t, err)
	assert.Equal(t, "on", stored.Fields["flag"])
}

func TestAuditService_NilIsNoop(t *testing.T) {
	var svc *AuditService
	assert.NoError(t, svc.Record(context.Background(), AuditEntry{Action: "x"}))
}
