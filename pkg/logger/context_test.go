package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/logger"
)

func TestWithJobContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logger.New(logger.WithOutput(buf), logger.WithJobContext())

	ctx := logger.ContextWithJob(context.Background(), logger.JobFields{
		ID:       "0197",
		Queue:    "media",
		TaskType: "resize",
		Attempt:  2,
	})
	log.InfoContext(ctx, "resizing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	job, ok := entry["job"].(map[string]any)
	require.True(t, ok, "job group present")
	assert.Equal(t, "0197", job["id"])
	assert.Equal(t, "media", job["queue"])
	assert.Equal(t, "resize", job["task_type"])
	assert.Equal(t, float64(2), job["attempt"])
}

func TestWithJobContext_NoJob(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logger.New(logger.WithOutput(buf), logger.WithJobContext())
	log.InfoContext(context.Background(), "idle")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "job")

	_, ok := logger.JobFromContext(context.Background())
	assert.False(t, ok)
}
