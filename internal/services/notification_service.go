package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"bizflow/internal/config"
	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ErrNoRecipients is returned by NotifyRole when the role has no active members.
var ErrNoRecipients = errors.New("no recipients for role")

// Notifier delivers user-facing messages. Calls may block on I/O.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string) error
	NotifyRole(ctx context.Context, role, title, message string) error
	SendEmail(ctx context.Context, template, recipient string, data map[string]interface{}) error
}

// NotificationService 将通知写入数据库并通过 websocket 推送给在线用户；
// 邮件写入发件箱，由外部邮件服务投递
type NotificationService struct {
	db      *gorm.DB
	hub     *NotificationHub
	breaker *CircuitBreaker
	logger  *logrus.Logger
	tracer  trace.Tracer
}

func NewNotificationService(db *gorm.DB, hub *NotificationHub, cfg config.CircuitBreakerConfig, logger *logrus.Logger) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &NotificationService{
		db:     db,
		hub:    hub,
		logger: logger,
		tracer: otel.Tracer("bizflow.notifier"),
	}
	if cfg.Enabled {
		s.breaker = NewCircuitBreaker(cfg)
	}
	return s
}

// UserKey is the string id used for users in notifications and assignments.
func UserKey(u models.User) string {
	return strconv.FormatUint(uint64(u.ID), 10)
}

func (s *NotificationService) guard(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Do(fn)
}

// BreakerStats 熔断器状态，未启用时返回 nil
func (s *NotificationService) BreakerStats() map[string]interface{} {
	if s.breaker == nil {
		return nil
	}
	return s.breaker.Stats()
}

func (s *NotificationService) Notify(ctx context.Context, userID, title, message string) error {
	ctx, span := s.tracer.Start(ctx, "notifier.notify")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	if userID == "" {
		return errors.New("notify: empty user id")
	}
	err := s.guard(func() error {
		return s.db.WithContext(ctx).Create(&models.Notification{
			UserID:  userID,
			Title:   title,
			Message: message,
		}).Error
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify user %s: %w", userID, err)
	}
	s.push(userID, title, message)
	return nil
}

// NotifyRole delivers one notification per active member of role in a single
// transaction, so either every member is notified or none is.
func (s *NotificationService) NotifyRole(ctx context.Context, role, title, message string) error {
	ctx, span := s.tracer.Start(ctx, "notifier.notify_role")
	defer span.End()
	span.SetAttributes(attribute.String("role", role))

	var recipients []string
	// an empty role is a configuration gap, not a store failure: it must not trip the breaker
	empty := false
	err := s.guard(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var users []models.User
			if err := tx.Where("role = ? AND status = ?", role, "active").Order("id ASC").Find(&users).Error; err != nil {
				return err
			}
			if len(users) == 0 {
				empty = true
				return nil
			}
			rows := make([]models.Notification, 0, len(users))
			recipients = recipients[:0]
			for _, u := range users {
				key := UserKey(u)
				recipients = append(recipients, key)
				rows = append(rows, models.Notification{UserID: key, Title: title, Message: message})
			}
			return tx.Create(&rows).Error
		})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("notify role %s: %w", role, err)
	}
	if empty {
		err = fmt.Errorf("notify role %s: %w %q", role, ErrNoRecipients, role)
		span.RecordError(err)
		return err
	}
	for _, id := range recipients {
		s.push(id, title, message)
	}
	s.logger.WithFields(logrus.Fields{"role": role, "recipients": len(recipients)}).Debug("role notified")
	return nil
}

func (s *NotificationService) SendEmail(ctx context.Context, template, recipient string, data map[string]interface{}) error {
	ctx, span := s.tracer.Start(ctx, "notifier.send_email")
	defer span.End()
	span.SetAttributes(attribute.String("template", template))

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode email data: %w", err)
	}
	err = s.guard(func() error {
		return s.db.WithContext(ctx).Create(&models.EmailOutbox{
			Template:  template,
			Recipient: recipient,
			Data:      string(payload),
			Status:    "queued",
		}).Error
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("queue email %s to %s: %w", template, recipient, err)
	}
	return nil
}

// ListNotifications 查询用户的站内通知，最新在前
func (s *NotificationService) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Notification
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *NotificationService) push(userID, title, message string) {
	if s.hub == nil {
		return
	}
	s.hub.SendToUser(userID, PushMessage{
		Type: "notification",
		Data: map[string]string{"title": title, "message": message},
	})
}
