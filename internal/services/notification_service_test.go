package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bizflow/internal/config"
	"bizflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUsers(t *testing.T, svc *NotificationService) []models.User {
	t.Helper()
	users := []models.User{
		{Username: "ceo", Email: "ceo@example.com", Role: "CEO", Status: "active"},
		{Username: "ceo2", Email: "ceo2@example.com", Role: "CEO", Status: "active"},
		{Username: "gone", Email: "gone@example.com", Role: "CEO", Status: "inactive"},
		{Username: "rep", Email: "rep@example.com", Role: "sales", Status: "active"},
	}
	require.NoError(t, svc.db.Create(&users).Error)
	return users
}

func TestNotificationService_NotifyRoleReachesActiveMembers(t *testing.T) {
	db := newTestDB(t)
	hub := NewNotificationHub(quietLogger())
	svc := NewNotificationService(db, hub, config.CircuitBreakerConfig{}, quietLogger())
	users := seedUsers(t, svc)

	require.NoError(t, svc.NotifyRole(context.Background(), "CEO", "Deal won", "Acme"))

	var rows []models.Notification
	require.NoError(t, db.Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, UserKey(users[0]), rows[0].UserID)
	assert.Equal(t, UserKey(users[1]), rows[1].UserID)
	assert.Equal(t, "Deal won", rows[0].Title)
}

func TestNotificationService_NotifyRoleWithoutMembers(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotificationService(db, nil, config.CircuitBreakerConfig{}, quietLogger())

	err := svc.NotifyRole(context.Background(), "board", "hello", "")
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestNotificationService_EmptyRoleKeepsBreakerClosed(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotificationService(db, nil, config.CircuitBreakerConfig{
		Enabled: true, MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1,
	}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, svc.NotifyRole(ctx, "Nobody", "deal won", ""), ErrNoRecipients)
	}
	assert.Equal(t, "closed", svc.BreakerStats()["state"])
	require.NoError(t, svc.Notify(ctx, "u-42", "still delivered", ""))
	require.NoError(t, svc.SendEmail(ctx, "deal_won", "u-42@example.com", nil))
}

func TestNotificationService_NotifyAndList(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotificationService(db, nil, config.CircuitBreakerConfig{}, quietLogger())
	ctx := context.Background()

	require.NoError(t, svc.Notify(ctx, "u-1", "first", "a"))
	require.NoError(t, svc.Notify(ctx, "u-1", "second", "b"))
	require.NoError(t, svc.Notify(ctx, "u-2", "other", "c"))
	assert.Error(t, svc.Notify(ctx, "", "nobody", ""))

	list, err := svc.ListNotifications(ctx, "u-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title)
}

func TestNotificationService_SendEmailQueuesOutbox(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotificationService(db, nil, config.CircuitBreakerConfig{}, quietLogger())

	require.NoError(t, svc.SendEmail(context.Background(), "deal_won", "ceo@example.com", map[string]interface{}{"deal": "Acme"}))

	var row models.EmailOutbox
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "queued", row.Status)
	assert.Equal(t, "deal_won", row.Template)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(row.Data), &data))
	assert.Equal(t, "Acme", data["deal"])
}

func TestNotificationService_BreakerOpensOnRepeatedFailures(t *testing.T) {
	db := newTestDB(t)
	svc := NewNotificationService(db, nil, config.CircuitBreakerConfig{
		Enabled: true, MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1,
	}, quietLogger())
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	ctx := context.Background()
	assert.Error(t, svc.Notify(ctx, "u-1", "a", ""))
	assert.Error(t, svc.Notify(ctx, "u-1", "b", ""))
	assert.ErrorIs(t, svc.Notify(ctx, "u-1", "c", ""), ErrCircuitOpen)
	assert.Equal(t, "open", svc.BreakerStats()["state"])
}

func TestNotificationService_PushesToHub(t *testing.T) {
	db := newTestDB(t)
	hub := NewNotificationHub(quietLogger())
	svc := NewNotificationService(db, hub, config.CircuitBreakerConfig{}, quietLogger())

	require.NoError(t, svc.Notify(context.Background(), "u-1", "hello", "world"))

	select {
	case msg := <-hub.deliver:
		assert.Equal(t, "u-1", msg.UserID)
		assert.Equal(t, "notification", msg.Type)
	default:
		t.Fatal("expected a queued push")
	}
}
