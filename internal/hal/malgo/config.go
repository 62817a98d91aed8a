// Package malgo implements hal.Backend on top of miniaudio.
//
// miniaudio has no OS-level aggregate devices, so aggregates are in-process
// composites: each attached tap becomes a miniaudio device when I/O starts.
// A tap on the default input is a capture device. A tap on the default
// output is a loopback device on WASAPI. Elsewhere it opens a capture
// endpoint carrying the output: the PulseAudio monitor source of the
// default sink, or the endpoint named by Config.SystemDevice (a loopback
// driver on macOS).
// miniaudio converts every endpoint to the interleaved float32 format
// reported by InputStreamFormats.
//
// Builds without cgo, or with the noaudio tag, get a stub whose New fails.
package malgo

import (
	"fmt"
	"strings"

	"github.com/tphakala/meetrec/internal/audiocore"
)

const componentMalgo = "hal-malgo"

// Config selects the stream format miniaudio converts to.
type Config struct {
	// SampleRate of every endpoint. Zero means 48000.
	SampleRate uint32
	// InputChannels for microphone streams. Zero means 1.
	InputChannels uint32
	// OutputChannels for loopback streams. Zero means 2.
	OutputChannels uint32
	// PeriodSizeInMilliseconds is the callback period. Zero lets miniaudio pick.
	PeriodSizeInMilliseconds uint32
	// SystemDevice names the capture endpoint that carries system output.
	// Empty selects WASAPI loopback or the monitor of the default sink.
	SystemDevice string
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.InputChannels == 0 {
		c.InputChannels = 1
	}
	if c.OutputChannels == 0 {
		c.OutputChannels = 2
	}
	return c
}

func (c Config) streamFormat(channels uint32) audiocore.StreamFormat {
	return audiocore.StreamFormat{
		SampleRate:  int(c.SampleRate),
		Channels:    int(channels),
		BitDepth:    32,
		Interleaved: true,
		Kind:        audiocore.FloatPCM,
	}
}

// DeviceInfo describes one endpoint miniaudio can open.
type DeviceInfo struct {
	Name      string
	ID        string
	Playback  bool
	IsDefault bool
}

// monitorPrefix is how PulseAudio, and PipeWire through its PulseAudio
// server, name the capture side of a sink.
const monitorPrefix = "Monitor of "

// endpoint is the part of a miniaudio device description used to pick the
// system audio source.
type endpoint struct {
	Name      string
	IsDefault bool
}

// selectSystemEndpoint returns the index in captures of the endpoint that
// carries system output. A preferred name matches exactly first, then as a
// substring. Without one the monitor of the default playback endpoint wins,
// then any monitor.
func selectSystemEndpoint(captures, playbacks []endpoint, preferred string) (int, error) {
	if preferred != "" {
		for i, c := range captures {
			if c.Name == preferred {
				return i, nil
			}
		}
		for i, c := range captures {
			if strings.Contains(c.Name, preferred) {
				return i, nil
			}
		}
		return -1, fmt.Errorf("no capture endpoint matches %q", preferred)
	}

	for _, p := range playbacks {
		if !p.IsDefault {
			continue
		}
		for i, c := range captures {
			if c.Name == monitorPrefix+p.Name {
				return i, nil
			}
		}
	}
	for i, c := range captures {
		if strings.HasPrefix(c.Name, monitorPrefix) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no monitor source for the system output; set audio.systemdevice to a loopback capture device")
}
