package conf

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tphakala/meetrec/internal/logger"
)

// ValidationError collects every problem found in the settings.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks every section and reports all problems at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	for _, validate := range []func(*Settings) []string{
		validateLoggingSettings,
		validateRecordingSettings,
		validateAudioSettings,
		validateProcessingSettings,
		validateWebServerSettings,
		validateMicOwnerSettings,
		validateSentrySettings,
	} {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validLogLevel(level string) bool {
	switch logger.LogLevel(level) {
	case logger.LogLevelTrace, logger.LogLevelDebug, logger.LogLevelInfo,
		logger.LogLevelWarn, logger.LogLevelError, logger.LogLevelCritical:
		return true
	}
	return false
}

func validateLoggingSettings(s *Settings) []string {
	var errs []string
	l := s.Logging
	if !validLogLevel(l.DefaultLevel) {
		errs = append(errs, fmt.Sprintf("logging.default_level %q is not a log level", l.DefaultLevel))
	}
	if l.Timezone != "" {
		if _, err := time.LoadLocation(l.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("logging.timezone %q: %v", l.Timezone, err))
		}
	}
	if l.Console != nil && l.Console.Level != "" && !validLogLevel(l.Console.Level) {
		errs = append(errs, fmt.Sprintf("logging.console.level %q is not a log level", l.Console.Level))
	}
	if f := l.FileOutput; f != nil && f.Enabled {
		if f.Path == "" {
			errs = append(errs, "logging.file_output.path is required when file output is enabled")
		}
		if f.Level != "" && !validLogLevel(f.Level) {
			errs = append(errs, fmt.Sprintf("logging.file_output.level %q is not a log level", f.Level))
		}
		if f.MaxRolls < 0 {
			errs = append(errs, "logging.file_output.max_rolls must not be negative")
		}
	}
	for module, level := range l.ModuleLevels {
		if !validLogLevel(level) {
			errs = append(errs, fmt.Sprintf("logging.module_levels.%s %q is not a log level", module, level))
		}
	}
	return errs
}

func validateRecordingSettings(s *Settings) []string {
	var errs []string
	r := s.Recording
	if !r.Microphone && !r.System {
		errs = append(errs, "recording must capture the microphone, system audio or both")
	}
	if strings.TrimSpace(r.OutputPath) == "" {
		errs = append(errs, "recording.outputpath is required")
	}
	if r.BitDepth != 16 && r.BitDepth != 24 {
		errs = append(errs, fmt.Sprintf("recording.bitdepth %d is not 16 or 24", r.BitDepth))
	}
	if r.Duration < 0 {
		errs = append(errs, "recording.duration must not be negative")
	}
	if r.RestartDelay < 0 {
		errs = append(errs, "recording.restartdelay must not be negative")
	}
	if r.MinFreeSpaceMB < 0 {
		errs = append(errs, "recording.minfreespacemb must not be negative")
	}
	return errs
}

func validateAudioSettings(s *Settings) []string {
	var errs []string
	a := s.Audio
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, fmt.Sprintf("audio.samplerate %d outside 8000-192000", a.SampleRate))
	}
	if a.PeriodMs < 0 {
		errs = append(errs, "audio.periodms must not be negative")
	}
	if a.ChunkFrames <= 0 {
		errs = append(errs, "audio.chunkframes must be positive")
	}
	if a.RingCapacity <= 0 {
		errs = append(errs, "audio.ringcapacity must be positive")
	} else if a.ChunkFrames >= a.RingCapacity {
		errs = append(errs, "audio.chunkframes must be smaller than audio.ringcapacity")
	}
	if a.ReadTimeout < 0 {
		errs = append(errs, "audio.readtimeout must not be negative")
	}
	if a.MaxFramesPerCallback <= 0 {
		errs = append(errs, "audio.maxframespercallback must be positive")
	}
	if a.MaxIOFailures <= 0 {
		errs = append(errs, "audio.maxiofailures must be positive")
	}
	if a.MaxSinkErrors <= 0 {
		errs = append(errs, "audio.maxsinkerrors must be positive")
	}
	if s.Recording.System && (a.AggregateName == "" || a.TapName == "") {
		errs = append(errs, "audio.aggregatename and audio.tapname are required for system audio")
	}
	if a.TelemetryInterval <= 0 {
		errs = append(errs, "audio.telemetryinterval must be positive")
	}
	return errs
}

func validateProcessingSettings(s *Settings) []string {
	var errs []string
	p := s.Processing
	for name, level := range map[string]int{
		"micnoisereduction":     p.MicNoiseReduction,
		"speakernoisereduction": p.SpeakerNoiseReduction,
	} {
		if level < 0 || level > 10 {
			errs = append(errs, fmt.Sprintf("processing.%s %d outside 0-10", name, level))
		}
	}
	if !(p.MaxGateThreshold > 0 && p.MaxGateThreshold <= 1) {
		errs = append(errs, fmt.Sprintf("processing.maxgatethreshold %v outside (0, 1]", p.MaxGateThreshold))
	}
	for name, volume := range map[string]float64{
		"microphonevolume": p.MicrophoneVolume,
		"systemvolume":     p.SystemVolume,
	} {
		if volume < 0 || volume > 1 {
			errs = append(errs, fmt.Sprintf("processing.%s %v outside 0-1", name, volume))
		}
	}
	if aec := p.EchoCancellation; aec.Enabled {
		if aec.FilterLength <= 0 {
			errs = append(errs, "processing.echocancellation.filterlength must be positive")
		}
		if !(aec.StepSize > 0 && aec.StepSize < 2) {
			errs = append(errs, fmt.Sprintf("processing.echocancellation.stepsize %v outside (0, 2)", aec.StepSize))
		}
		if aec.MaxPendingReference < aec.FilterLength {
			errs = append(errs, "processing.echocancellation.maxpendingreference must be at least filterlength")
		}
	}
	return errs
}

func validateWebServerSettings(s *Settings) []string {
	if !s.WebServer.Enabled {
		return nil
	}
	var errs []string
	if _, _, err := net.SplitHostPort(s.WebServer.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("webserver.listen %q: %v", s.WebServer.Listen, err))
	}
	if s.WebServer.ControlRateLimit < 0 {
		errs = append(errs, "webserver.controlratelimit cannot be negative")
	}
	if s.WebServer.ControlRateLimit > 0 && s.WebServer.ControlBurst < 1 {
		errs = append(errs, "webserver.controlburst must be at least 1")
	}
	return errs
}

func validateMicOwnerSettings(s *Settings) []string {
	if s.MicOwner.Enabled && s.MicOwner.RefreshInterval <= 0 {
		return []string{"micowner.refreshinterval must be positive"}
	}
	return nil
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}
