package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTask_PreservesSchedule(t *testing.T) {
	due := time.Now().Add(3 * time.Minute)
	task := NewTask(TaskApprovalTimeout, "o-1").At(due)
	task.Attempts = 2

	data, err := EncodeTask(task)
	require.NoError(t, err)

	got, err := DecodeTask(data)
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, TaskApprovalTimeout, got.Type)
	require.Equal(t, "o-1", got.InstanceID)
	require.Equal(t, 2, got.Attempts)
	require.True(t, got.NotBefore.Equal(due), "not_before %v != %v", got.NotBefore, due)
}
