package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(err *EnhancedError) {
	r.reported = append(r.reported, err)
	err.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.Component)
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestCategoryMatching(t *testing.T) {
	t.Parallel()

	sentinel := New(NewStd("tap creation failed")).Category(CategoryTapCreation).Build()
	err := New(fmt.Errorf("backend refused: %w", NewStd("busy"))).
		Component("aggregate").
		Category(CategoryTapCreation).
		Context("tap", "system").
		Build()

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsCategory(err, CategoryTapCreation))
	assert.False(t, IsCategory(err, CategoryDeviceCreation))
	assert.Equal(t, "system", err.GetContext()["tap"])

	wrapped := fmt.Errorf("start: %w", err)
	assert.ErrorIs(t, wrapped, sentinel)
	assert.Equal(t, CategoryTapCreation, CategoryOf(wrapped))
	assert.Equal(t, CategoryGeneric, CategoryOf(NewStd("plain")))
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	t.Parallel()

	inner := New(NewStd("format changed")).Category(CategoryFormatMismatch).Build()
	outer := New(inner).Component("capture").Build()

	assert.Equal(t, CategoryFormatMismatch, outer.Category)
}

func TestBuildWithoutErrorUsesCategory(t *testing.T) {
	t.Parallel()

	ee := New(nil).Category(CategoryNotRunning).Build()
	assert.Equal(t, "not-running", ee.Error())
}

func TestPriorityValidation(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PriorityHigh, New(NewStd("x")).Priority(PriorityHigh).Build().Priority)
	assert.Equal(t, PriorityMedium, New(NewStd("x")).Priority("urgent").Build().Priority)
	assert.Empty(t, New(NewStd("x")).Build().Priority)
}

func TestTelemetryPathDetectsComponent(t *testing.T) {
	r := &recordingReporter{}
	SetTelemetryReporter(r)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("boom")).Category(CategoryIOFailure).Build()

	require.Len(t, r.reported, 1)
	assert.True(t, ee.IsReported())
	assert.NotEmpty(t, ee.Component)
}

func TestComponentFromFunc(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"github.com/tphakala/meetrec/internal/audiocore/ringbuffer.(*RingBuffer).Write": "audiocore.ringbuffer",
		"github.com/tphakala/meetrec/internal/session.(*Controller).Start":             "session",
		"main.main": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, componentFromFunc(in), in)
	}
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	msg := scrubMessage("open /home/alice/meetings/standup.wav failed, dsn=https://key@o1.ingest.sentry.io/1")
	assert.NotContains(t, msg, "alice")
	assert.NotContains(t, msg, "key@")
	assert.Contains(t, msg, "[PATH_REDACTED]")

	msg = scrubMessage("GET https://example.com/a?token=secret")
	assert.Equal(t, "GET https://example.com/a?[REDACTED]", msg)
}
