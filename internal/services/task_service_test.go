package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskService_CreateRecordsSource(t *testing.T) {
	svc := NewTaskService(newTestDB(t))
	ctx := withTaskSource(context.Background(), "deal", "d-1")

	id, err := svc.CreateTask(ctx, "call Acme", "u-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	tasks, err := svc.ListTasks(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "open", tasks[0].Status)
	assert.Equal(t, "deal", tasks[0].SourceKind)
	assert.Equal(t, "d-1", tasks[0].SourceID)
}

func TestTaskService_Validation(t *testing.T) {
	svc := NewTaskService(newTestDB(t))

	_, err := svc.CreateTask(context.Background(), "", "u-1")
	assert.Error(t, err)
	_, err = svc.CreateTask(context.Background(), "title", "")
	assert.Error(t, err)
}

func TestTaskService_CompleteOnlyOnce(t *testing.T) {
	svc := NewTaskService(newTestDB(t))
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, "follow up", "u-2")
	require.NoError(t, err)

	require.NoError(t, svc.CompleteTask(ctx, id))
	assert.Error(t, svc.CompleteTask(ctx, id))

	tasks, err := svc.ListTasks(ctx, "u-2")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "done", tasks[0].Status)
	assert.NotNil(t, tasks[0].CompletedAt)
}
