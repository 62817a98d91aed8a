package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTextRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateIdle, StateInitializing, StateRunning, StatePaused, StateStopping, StateFaulted} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	var s State
	require.Error(t, s.UnmarshalText([]byte("recording")))
	assert.Equal(t, StateIdle, s, "unchanged on error")
}

func TestStatusJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := Status{
		State:         StateRunning,
		SessionID:     "c0ffee",
		OutputPath:    "/tmp/meeting.wav",
		StartedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		SampleRate:    48000,
		Channels:      1,
		FramesWritten: 4800,
		Streams:       []StreamStatus{{Name: "microphone", State: "capturing", Channels: 1}},
		LastFault:     &Fault{SessionID: "c0ffee", Stream: "system", Reason: "device-is-alive", At: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"running"`)

	var out Status
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
