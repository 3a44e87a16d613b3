package httpapi

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/reelgate/internal/job"
)

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSSE_WriteThenRead(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewSSEWriter(rec)
	sw.Init()

	stage := job.StageScript
	events := []job.Event{
		{ID: "e1", JobID: "j1", Type: job.EventGatePause, Stage: &stage, Message: "waiting"},
		{ID: "e2", JobID: "j1", Type: job.EventGateApproved, Stage: &stage, Message: "approved by alice"},
	}
	for _, e := range events {
		require.NoError(t, sw.WriteEvent(e))
	}
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: gate_pause\n")

	got := collect(t, ReadEvents(context.Background(), io.NopCloser(strings.NewReader(rec.Body.String()))))
	require.Len(t, got, 2)
	for i, ev := range got {
		require.NoError(t, ev.Err)
		assert.Equal(t, events[i].ID, ev.Event.ID)
		assert.Equal(t, events[i].Type, ev.Event.Type)
		require.NotNil(t, ev.Event.Stage)
		assert.Equal(t, job.StageScript, *ev.Event.Stage)
	}
}

func TestSSE_ReadSkipsCommentsAndReportsBadJSON(t *testing.T) {
	body := ": keepalive\n\n" +
		"data: {not json}\n\n" +
		"data:{\"id\":\"e3\",\"job_id\":\"j1\",\n" +
		"data: \"event_type\":\"job_completed\",\"message\":\"done\"}\n\n" +
		"data: {\"id\":\"e4\",\"job_id\":\"j1\",\"event_type\":\"job_failed\",\"message\":\"x\"}"

	got := collect(t, ReadEvents(context.Background(), io.NopCloser(strings.NewReader(body))))
	require.Len(t, got, 3)
	assert.Error(t, got[0].Err)
	require.NoError(t, got[1].Err)
	assert.Equal(t, job.EventJobCompleted, got[1].Event.Type)
	require.NoError(t, got[2].Err, "a trailing event without a blank line is still delivered")
	assert.Equal(t, "e4", got[2].Event.ID)
}

func TestSSE_ReadStopsOnContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	ch := ReadEvents(ctx, pr)

	go func() {
		_, _ = pw.Write([]byte("data: {\"id\":\"e1\",\"job_id\":\"j1\",\"event_type\":\"job_started\",\"message\":\"\"}\n\n"))
	}()
	first := <-ch
	require.NoError(t, first.Err)
	cancel()
	pw.Close()

	_, ok := <-ch
	assert.False(t, ok)
}
