package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/hal"
	"github.com/tphakala/meetrec/internal/hal/haltest"
	"github.com/tphakala/meetrec/internal/micowner"
	"github.com/tphakala/meetrec/internal/testutil"
)

func TestStateMachine(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))
	c := h.ctrl

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.Pause(), "pause from idle")
	assert.False(t, c.Resume(), "resume from idle")

	require.True(t, c.Start())
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.IsRecording())

	err := c.StartRecording()
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrAlreadyRunning)
	assert.False(t, c.Resume(), "resume while running")

	require.True(t, c.Pause())
	assert.Equal(t, StatePaused, c.State())
	assert.True(t, c.IsRecording())
	assert.False(t, c.Pause(), "pause while paused")

	require.True(t, c.Start(), "start from paused resumes")
	assert.Equal(t, StateRunning, c.State())

	require.True(t, c.Pause())
	require.True(t, c.Resume())
	assert.Equal(t, StateRunning, c.State())

	c.Stop()
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.IsRecording())
	c.Stop()
	assert.Equal(t, StateIdle, c.State())
	h.requireReleased(t)
	assert.Equal(t, 1, h.sink.closeCount())

	require.True(t, c.Start(), "a stopped controller starts again")
	c.Stop()
	h.requireReleased(t)
}

func TestStopFromPausedReleasesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	require.True(t, h.ctrl.Start())
	agg := h.aggregateID(t)
	assert.Equal(t, 1, h.backend.ListenerCount(agg))
	assert.Equal(t, 1, h.backend.ListenerCount(h.mic))
	assert.Equal(t, 2, h.backend.LiveObjects())

	require.True(t, h.ctrl.Pause())
	h.ctrl.Stop()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.False(t, h.backend.Exists(agg))
	h.requireReleased(t)
}

func TestTeardownRunsEveryStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(sink *fakeSink, proc *fakeProcessor)
	}{
		{"sink close fails", func(sink *fakeSink, _ *fakeProcessor) { sink.closeErr = assert.AnError }},
		{"sink close panics", func(sink *fakeSink, _ *fakeProcessor) { sink.closePanic = true }},
		{"processor close panics", func(_ *fakeSink, proc *fakeProcessor) { proc.closePanic = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proc := &fakeProcessor{}
			h := newHarness(t, testConfig(t), WithProcessorFactory(proc.factory()))
			tt.setup(h.sink, proc)

			require.True(t, h.ctrl.Start())
			h.ctrl.Stop()

			assert.Equal(t, StateIdle, h.ctrl.State())
			assert.Equal(t, 1, h.sink.closeCount())
			assert.True(t, proc.isClosed())
			h.requireReleased(t)
		})
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		failOp   haltest.Op
		sinkErr  error
		wantErr  error
		wantLive bool
	}{
		{name: "aggregate device", failOp: haltest.OpCreateAggregateDevice, wantErr: audiocore.ErrDeviceCreation},
		{name: "tap", failOp: haltest.OpCreateTap, wantErr: audiocore.ErrTapCreation},
		{name: "attach tap", failOp: haltest.OpAttachTap},
		{name: "default input", failOp: haltest.OpDefaultInputDevice},
		{name: "input format", failOp: haltest.OpInputStreamFormats},
		{name: "listener", failOp: haltest.OpAddPropertyListener},
		{name: "io proc", failOp: haltest.OpCreateIOProc},
		{name: "start io", failOp: haltest.OpStartIO},
		{name: "sink open", sinkErr: errors.Newf("disk full").Category(errors.CategoryFileIO).Build(), wantErr: audiocore.ErrFileIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testConfig(t))
			if tt.failOp != "" {
				h.backend.FailOn(tt.failOp, assert.AnError)
			}
			h.sink.openErr = tt.sinkErr

			err := h.ctrl.StartRecording()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, StateIdle, h.ctrl.State())
			h.requireReleased(t)
			assert.Nil(t, h.ctrl.pipe.Load())

			if tt.failOp != "" {
				h.backend.ClearFailure(tt.failOp)
			}
			h.sink.openErr = nil
			require.True(t, h.ctrl.Start(), "start after the failure is cleared")
			h.ctrl.Stop()
			h.requireReleased(t)
		})
	}
}

func TestStartFailsOnProcessorError(t *testing.T) {
	t.Parallel()
	failing := func(Config, audiocore.StreamFormat) (audiocore.StreamProcessor, error) {
		return nil, assert.AnError
	}
	h := newHarness(t, testConfig(t), WithProcessorFactory(failing))

	require.ErrorIs(t, h.ctrl.StartRecording(), assert.AnError)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.sink.closeCount(), "opened sink is closed on rollback")
	h.requireReleased(t)
}

func TestStartRejectsDifferentSampleRates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))
	h.backend.SetOutputFormat(audiocore.StreamFormat{
		SampleRate: 44100, Channels: 2, BitDepth: 32, Interleaved: true, Kind: audiocore.FloatPCM,
	})

	err := h.ctrl.StartRecording()
	require.Error(t, err)
	assert.ErrorIs(t, err, audiocore.ErrFormatMismatch)
	assert.Equal(t, StateIdle, h.ctrl.State())
	h.requireReleased(t)
}

func TestStereoOutputSpreadsMonoMicrophone(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Mono = false
	h := newHarness(t, cfg)

	require.True(t, h.ctrl.Start())
	assert.Equal(t, 2, h.sink.format.Channels)
	assert.Equal(t, 48000, h.sink.format.SampleRate)
	h.ctrl.Stop()
}

func TestCaptureFaultMovesSessionToFaulted(t *testing.T) {
	t.Parallel()
	faults := make(chan Fault, 1)
	h := newHarness(t, testConfig(t), WithFaultHandler(func(f Fault) { faults <- f }))

	require.True(t, h.ctrl.Start())
	h.backend.Notify(h.mic, hal.PropertyDeviceIsAlive)

	select {
	case f := <-faults:
		assert.Equal(t, StreamMicrophone, f.Stream)
		assert.Equal(t, "device-lost", f.Reason)
		assert.NotEmpty(t, f.SessionID)
	case <-time.After(waitFor):
		t.Fatal("fault handler not called")
	}
	assert.Equal(t, StateFaulted, h.ctrl.State())
	assert.False(t, h.ctrl.IsRecording())
	assert.False(t, h.ctrl.Start(), "faulted session must be stopped first")
	assert.False(t, h.ctrl.Pause())

	f, ok := h.ctrl.LastFault()
	require.True(t, ok)
	assert.Equal(t, "device-lost", f.Reason)

	h.ctrl.Stop()
	assert.Equal(t, StateIdle, h.ctrl.State())
	h.requireReleased(t)

	require.True(t, h.ctrl.Start(), "stop then start recovers")
	_, ok = h.ctrl.LastFault()
	assert.False(t, ok, "a new session clears the previous fault")
	h.ctrl.Stop()
}

func TestSinkErrorsFaultSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CaptureSystem = false
	cfg.MaxSinkErrors = 2
	h := newHarness(t, cfg)
	h.sink.writeErr = assert.AnError

	require.True(t, h.ctrl.Start())
	for range 2 {
		require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.5, 0.5, 0.5, 0.5}, 1))
	}

	require.Eventually(t, func() bool { return h.ctrl.State() == StateFaulted }, waitFor, time.Millisecond)
	f, ok := h.ctrl.LastFault()
	require.True(t, ok)
	assert.Equal(t, FaultSinkErrors, f.Reason)
	assert.Equal(t, "sink", f.Stream)
	assert.Equal(t, uint64(2), h.ctrl.Status().SinkErrors)
	h.ctrl.Stop()
}

func TestNoiseGateBoundary(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CaptureSystem = false
	cfg.MaxGateThreshold = 0.5
	cfg.MicNoiseReduction = 5 // threshold 0.25
	h := newHarness(t, cfg)

	require.True(t, h.ctrl.Start())
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.25, 0.2499, -0.25, -0.2}, 1))
	require.Eventually(t, func() bool { return len(h.sink.written()) == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, []float32{0.25, 0, -0.25, 0}, h.sink.written())

	assert.Equal(t, 0, h.ctrl.SetMicNoiseReduction(-3))
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.01, -0.01, 0.001, 0}, 1))
	require.Eventually(t, func() bool { return len(h.sink.written()) == 8 }, waitFor, time.Millisecond)
	assert.Equal(t, []float32{0.01, -0.01, 0.001, 0}, h.sink.written()[4:], "level 0 is identity")
	h.ctrl.Stop()
}

func TestMicrophoneVolume(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CaptureSystem = false
	cfg.MicNoiseReduction = 0
	h := newHarness(t, cfg)

	assert.InDelta(t, 1.0, h.ctrl.SetMicrophoneVolume(3), 0)
	assert.InDelta(t, 0.0, h.ctrl.SetMicrophoneVolume(-1), 0)
	assert.InDelta(t, 0.5, h.ctrl.SetMicrophoneVolume(0.5), 0)
	assert.InDelta(t, 0.25, h.ctrl.SetSystemAudioVolume(0.25), 0)

	require.True(t, h.ctrl.Start())
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{1, -1, 0.5, 0}, 1))
	require.Eventually(t, func() bool { return len(h.sink.written()) == 4 }, waitFor, time.Millisecond)
	assert.Equal(t, []float32{0.5, -0.5, 0.25, 0}, h.sink.written())
	h.ctrl.Stop()
}

func TestPausedFramesAreNotWritten(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CaptureSystem = false
	cfg.MicNoiseReduction = 0
	h := newHarness(t, cfg)

	require.True(t, h.ctrl.Start())
	require.True(t, h.ctrl.Pause())
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.1, 0.1, 0.1, 0.1}, 1))
	require.True(t, h.ctrl.Resume())
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.2, 0.2, 0.2, 0.2}, 1))

	require.Eventually(t, func() bool { return len(h.sink.written()) == 4 }, waitFor, time.Millisecond)
	h.ctrl.Stop()
	assert.Equal(t, []float32{0.2, 0.2, 0.2, 0.2}, h.sink.written())
}

func TestSubscribeReceivesMixedChunks(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.CaptureSystem = false
	cfg.MicNoiseReduction = 0
	h := newHarness(t, cfg)

	frames, cancel := h.ctrl.Subscribe(4)
	assert.Equal(t, 1, h.ctrl.Status().MonitorSubscribers)

	require.True(t, h.ctrl.Start())
	require.NoError(t, h.backend.DeliverFloat(h.mic, []float32{0.1, 0.2, 0.3, 0.4}, 1))

	select {
	case f := <-frames:
		assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, f.Samples)
		assert.Equal(t, 48000, f.SampleRate)
		assert.Equal(t, 1, f.Channels)
	case <-time.After(waitFor):
		t.Fatal("no monitor frame")
	}

	cancel()
	cancel()
	_, open := <-frames
	assert.False(t, open, "cancel closes the channel")
	assert.Zero(t, h.ctrl.Status().MonitorSubscribers)
	h.ctrl.Stop()
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))
	frames, cancel := h.ctrl.Subscribe(0)
	defer cancel()

	require.True(t, h.ctrl.Start())
	require.NoError(t, h.ctrl.Close())
	assert.Equal(t, StateIdle, h.ctrl.State())
	for range frames {
	}
	h.requireReleased(t)
}

func TestGetCurrentMicrophoneApp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))
	assert.Equal(t, micowner.UnknownApplication, h.ctrl.GetCurrentMicrophoneApp())

	h2 := newHarness(t, testConfig(t), WithMicOwnerFinder(fixedOwner("zoom")))
	assert.Equal(t, "zoom", h2.ctrl.GetCurrentMicrophoneApp())
}

func TestSetOutputPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	err := h.ctrl.SetOutputPath("")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	first := t.TempDir() + "/first.wav"
	require.NoError(t, h.ctrl.SetOutputPath(first))
	assert.Equal(t, first, h.ctrl.OutputPath())

	require.True(t, h.ctrl.Start())
	assert.Equal(t, first, h.sink.path)

	second := t.TempDir() + "/second.wav"
	require.NoError(t, h.ctrl.SetOutputPath(second))
	assert.Equal(t, first, h.ctrl.Status().OutputPath, "running session keeps its file")
	h.ctrl.Stop()
	assert.Equal(t, second, h.ctrl.Status().OutputPath)
}

func TestStartCheckRefusesStart(t *testing.T) {
	t.Parallel()
	var checked string
	refuse := true
	h := newHarness(t, testConfig(t), WithStartCheck(func(path string) error {
		checked = path
		if refuse {
			return errors.Newf("disk full").Category(errors.CategoryResource).Build()
		}
		return nil
	}))

	err := h.ctrl.StartRecording()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryResource))
	assert.Equal(t, h.ctrl.OutputPath(), checked)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Zero(t, h.backend.LiveObjects(), "no device is created before the check passes")

	refuse = false
	require.NoError(t, h.ctrl.StartRecording())
	h.ctrl.Stop()
	h.requireReleased(t)
}

func TestStatusWhileRecording(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MicNoiseReduction = 7
	h := newHarness(t, cfg)

	idle := h.ctrl.Status()
	assert.Equal(t, StateIdle, idle.State)
	assert.Empty(t, idle.SessionID)
	assert.Equal(t, 7, idle.MicNoiseReduction)
	assert.Equal(t, 5, idle.SpeakerNoiseReduction)

	require.True(t, h.ctrl.Start())
	st := h.ctrl.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.EchoCancellation)
	assert.Equal(t, 48000, st.SampleRate)
	require.Len(t, st.Streams, 2)
	assert.Equal(t, StreamMicrophone, st.Streams[0].Name)
	assert.Equal(t, StreamSystem, st.Streams[1].Name)
	assert.Equal(t, "capturing", st.Streams[0].State)
	h.ctrl.Stop()
}

func TestNewControllerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no sources", func(c *Config) { c.CaptureMicrophone, c.CaptureSystem = false, false }},
		{"empty path", func(c *Config) { c.OutputPath = "" }},
		{"bit depth", func(c *Config) { c.BitDepth = 8 }},
		{"chunk", func(c *Config) { c.ChunkFrames = 0 }},
		{"chunk larger than ring", func(c *Config) { c.ChunkFrames = 2048 }},
		{"gate threshold", func(c *Config) { c.MaxGateThreshold = 2 }},
		{"sink errors", func(c *Config) { c.MaxSinkErrors = 0 }},
		{"tap name", func(c *Config) { c.TapName = "" }},
		{"aec", func(c *Config) { c.AEC.FilterLength = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := NewController(haltest.New(), cfg, testutil.Logger())
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
}
