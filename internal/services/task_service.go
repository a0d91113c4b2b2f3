package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizflow/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TaskCreator opens follow-up tasks for users.
type TaskCreator interface {
	CreateTask(ctx context.Context, title, assigneeID string) (string, error)
}

// TaskService 任务服务
type TaskService struct {
	db *gorm.DB
}

func NewTaskService(db *gorm.DB) *TaskService {
	return &TaskService{db: db}
}

// CreateTask stores an open task and returns its id. The originating entity,
// when the context carries one, is recorded as the task source.
func (s *TaskService) CreateTask(ctx context.Context, title, assigneeID string) (string, error) {
	if title == "" {
		return "", errors.New("task title is required")
	}
	if assigneeID == "" {
		return "", errors.New("task assignee is required")
	}
	task := &models.Task{
		ID:         uuid.NewString(),
		Title:      title,
		AssigneeID: assigneeID,
		Status:     "open",
	}
	if src, ok := taskSourceFrom(ctx); ok {
		task.SourceKind = src.kind
		task.SourceID = src.id
	}
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return task.ID, nil
}

// CompleteTask marks a task done.
func (s *TaskService) CompleteTask(ctx context.Context, id string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", id, "open").
		Updates(map[string]interface{}{"status": "done", "completed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("complete task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s not open", id)
	}
	return nil
}

// ListTasks 按负责人查询任务
func (s *TaskService) ListTasks(ctx context.Context, assigneeID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.WithContext(ctx).Where("assignee_id = ?", assigneeID).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

type taskSourceKey struct{}

type taskSource struct {
	kind string
	id   string
}

func withTaskSource(ctx context.Context, kind, id string) context.Context {
	return context.WithValue(ctx, taskSourceKey{}, taskSource{kind: kind, id: id})
}

func taskSourceFrom(ctx context.Context) (taskSource, bool) {
	src, ok := ctx.Value(taskSourceKey{}).(taskSource)
	return src, ok
}
