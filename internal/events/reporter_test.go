package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dusk-indust/reelgate/internal/job"
)

func TestReporter_FiltersByJob(t *testing.T) {
	r := NewReporter()
	all, cancelAll := r.Subscribe("")
	defer cancelAll()
	one, cancelOne := r.Subscribe("j1")
	defer cancelOne()

	r.Emit(job.Event{JobID: "j1", Type: job.EventJobStarted})
	r.Emit(job.Event{JobID: "j2", Type: job.EventJobStarted})

	assert.Len(t, all, 2)
	assert.Len(t, one, 1)
	assert.Equal(t, "j1", (<-one).JobID)
}

func TestReporter_NonBlockingWhenFull(t *testing.T) {
	r := NewReporter()
	ch, cancel := r.Subscribe("")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		r.Emit(job.Event{JobID: "j1"})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestReporter_UnsubscribeClosesChannel(t *testing.T) {
	r := NewReporter()
	ch, cancel := r.Subscribe("")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { r.Emit(job.Event{JobID: "j1"}) })
}

func TestReporter_Close(t *testing.T) {
	r := NewReporter()
	ch, cancel := r.Subscribe("")
	r.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := r.Subscribe("")
	_, ok = <-late
	assert.False(t, ok)
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "  ✓ stage outline completed",
		FormatEvent(job.Event{Type: job.EventStageCompleted, Message: "stage outline completed"}))
	assert.Equal(t, "  ✗ boom", FormatEvent(job.Event{Type: job.EventJobFailed, Message: "boom"}))
	assert.Equal(t, "  ○ waiting", FormatEvent(job.Event{Type: job.EventGatePause, Message: "waiting"}))
	assert.Equal(t, "[otters] j1", FormatJobHeader(&job.Job{ID: "j1", Slug: "otters"}))
}
