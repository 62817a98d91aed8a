package app

import (
	"github.com/tphakala/meetrec/internal/audiocore/processors/aec"
	"github.com/tphakala/meetrec/internal/capture"
	"github.com/tphakala/meetrec/internal/conf"
	"github.com/tphakala/meetrec/internal/hal/malgo"
	"github.com/tphakala/meetrec/internal/session"
)

// SessionConfig translates settings into the controller's configuration.
func SessionConfig(s *conf.Settings) session.Config {
	r, a, p := s.Recording, s.Audio, s.Processing
	return session.Config{
		OutputPath:            r.OutputPath,
		CaptureMicrophone:     r.Microphone,
		CaptureSystem:         r.System,
		EchoCancellation:      p.EchoCancellation.Enabled,
		Mono:                  r.Mono,
		BitDepth:              r.BitDepth,
		ChunkFrames:           a.ChunkFrames,
		MaxGateThreshold:      float32(p.MaxGateThreshold),
		MaxSinkErrors:         a.MaxSinkErrors,
		TelemetryInterval:     a.TelemetryInterval,
		AggregateDeviceName:   a.AggregateName,
		TapName:               a.TapName,
		MicNoiseReduction:     p.MicNoiseReduction,
		SpeakerNoiseReduction: p.SpeakerNoiseReduction,
		MicrophoneVolume:      float32(p.MicrophoneVolume),
		SystemVolume:          float32(p.SystemVolume),
		Capture: capture.Options{
			RingCapacity:         a.RingCapacity,
			ReadTimeout:          a.ReadTimeout,
			MaxFramesPerCallback: a.MaxFramesPerCallback,
			MaxIOFailures:        a.MaxIOFailures,
			Downmix:              r.Mono,
		},
		AEC: aec.Config{
			FilterLength:        p.EchoCancellation.FilterLength,
			StepSize:            float32(p.EchoCancellation.StepSize),
			Regularization:      float32(p.EchoCancellation.Regularization),
			MaxPendingReference: p.EchoCancellation.MaxPendingReference,
		},
	}
}

// BackendConfig translates settings into the miniaudio backend configuration.
func BackendConfig(s *conf.Settings) malgo.Config {
	return malgo.Config{
		SampleRate:               uint32(s.Audio.SampleRate),
		PeriodSizeInMilliseconds: uint32(s.Audio.PeriodMs),
		SystemDevice:             s.Audio.SystemDevice,
	}
}
