package alert_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/alert"
)

func TestMulti(t *testing.T) {
	t.Parallel()

	var got []string
	record := func(name string, err error) alert.Notifier {
		return alert.NotifierFunc(func(_ context.Context, a alert.Alert) error {
			got = append(got, name+":"+a.Title)
			return err
		})
	}

	boom := errors.New("boom")
	n := alert.Multi(record("a", nil), nil, record("b", boom), record("c", nil))

	err := n.Notify(context.Background(), alert.Alert{Title: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a:t", "b:t", "c:t"}, got)
}

func TestNop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, alert.Nop.Notify(context.Background(), alert.Alert{}))
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	n := alert.NewLogNotifier(log)

	err := n.Notify(context.Background(), alert.Alert{
		Severity: alert.SeverityCritical,
		Source:   "worker",
		Title:    "job failed",
		Message:  "charge card: declined",
		Fields:   map[string]any{"queue": "billing"},
		At:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "job failed", rec["msg"])

	group, ok := rec["alert"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "critical", group["severity"])
	assert.Equal(t, "worker", group["source"])
	assert.Equal(t, map[string]any{"queue": "billing"}, group["fields"])
}
