package session

import (
	"time"
)

// StreamStatus is the live view of one capture.
type StreamStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Channels       int    `json:"channels"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesDropped  uint64 `json:"frames_dropped"`
	IOFailures     uint64 `json:"io_failures"`
	RingOverflows  uint64 `json:"ring_overflows"`
	RingUnderflows uint64 `json:"ring_underflows"`
	RingOccupied   int    `json:"ring_occupied"`
	RingCapacity   int    `json:"ring_capacity"`
}

// Status is a snapshot of the controller.
type Status struct {
	State                 State          `json:"state"`
	SessionID             string         `json:"session_id,omitempty"`
	OutputPath            string         `json:"output_path"`
	StartedAt             time.Time      `json:"started_at,omitzero"`
	ElapsedSeconds        float64        `json:"elapsed_seconds"`
	SampleRate            int            `json:"sample_rate,omitempty"`
	Channels              int            `json:"channels,omitempty"`
	FramesWritten         int64          `json:"frames_written"`
	SinkErrors            uint64         `json:"sink_errors"`
	EchoCancellation      bool           `json:"echo_cancellation"`
	MicNoiseReduction     int            `json:"mic_noise_reduction"`
	SpeakerNoiseReduction int            `json:"speaker_noise_reduction"`
	MicrophoneVolume      float32        `json:"microphone_volume"`
	SystemVolume          float32        `json:"system_volume"`
	MonitorSubscribers    int            `json:"monitor_subscribers"`
	MonitorDropped        uint64         `json:"monitor_dropped"`
	Streams               []StreamStatus `json:"streams,omitempty"`
	LastFault             *Fault         `json:"last_fault,omitempty"`
}

// Status never waits for a Start or Stop in progress.
func (c *Controller) Status() Status {
	st := Status{
		State:                 c.State(),
		OutputPath:            c.OutputPath(),
		MicNoiseReduction:     c.micGate.Level(),
		SpeakerNoiseReduction: c.sysGate.Level(),
		MicrophoneVolume:      c.micVolume.Get(),
		SystemVolume:          c.sysVolume.Get(),
		MonitorSubscribers:    c.monitor.count(),
		MonitorDropped:        c.monitor.dropped.Load(),
	}
	if f, ok := c.LastFault(); ok {
		st.LastFault = &f
	}

	p := c.pipe.Load()
	if p == nil {
		return st
	}
	st.SessionID = p.id
	st.OutputPath = p.outputPath
	st.StartedAt = p.startedAt
	st.ElapsedSeconds = time.Since(p.startedAt).Seconds()
	st.SampleRate = p.format.SampleRate
	st.Channels = p.format.Channels
	st.FramesWritten = p.framesWritten.Load()
	st.SinkErrors = p.sinkErrors.Load()
	st.EchoCancellation = p.processor != nil
	for _, s := range p.streams() {
		cs := s.capture.Stats()
		st.Streams = append(st.Streams, StreamStatus{
			Name:           s.name,
			State:          cs.State.String(),
			Channels:       s.channels,
			FramesCaptured: cs.FramesCaptured,
			FramesDropped:  cs.FramesDropped,
			IOFailures:     cs.IOFailures,
			RingOverflows:  cs.Ring.OverflowCount,
			RingUnderflows: cs.Ring.UnderflowCount,
			RingOccupied:   cs.Ring.Occupied,
			RingCapacity:   cs.Ring.Capacity,
		})
	}
	return st
}
