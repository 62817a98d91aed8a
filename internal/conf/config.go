// Package conf loads meetrec settings from config.yaml, MEETREC_* environment
// variables and command line flags, in increasing order of precedence.
package conf

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/meetrec/internal/errors"
	"github.com/tphakala/meetrec/internal/logger"
)

const componentConf = "conf"

// EnvPrefix prefixes every environment variable viper reads automatically.
const EnvPrefix = "MEETREC"

//go:embed config.yaml
var defaultConfigYAML []byte

// Settings is the complete meetrec configuration.
type Settings struct {
	Debug bool // verbose logging and debug endpoints

	Logging    logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Recording  RecordingSettings
	Audio      AudioSettings
	Processing ProcessingSettings
	WebServer  WebServerSettings
	MicOwner   MicOwnerSettings
	Sentry     SentrySettings
}

// RecordingSettings controls what a recording captures and where it goes.
type RecordingSettings struct {
	OutputPath     string        // file written by the next recording
	Microphone     bool          // capture the default input device
	System         bool          // capture system output through a process tap
	Mono           bool          // downmix every stream to one channel
	BitDepth       int           // 16 or 24
	Duration       time.Duration // record command stops after this long, 0 runs until interrupted
	RestartOnFault bool          // record command restarts a faulted session
	RestartDelay   time.Duration // wait between a fault and the restart
	MinFreeSpaceMB int           // refuse to start below this much free disk space, 0 disables
}

// AudioSettings sizes the capture path.
type AudioSettings struct {
	SampleRate           int // every endpoint is converted to this rate
	PeriodMs             int // device callback period, 0 lets the backend choose
	ChunkFrames          int // frames per consumer cycle
	RingCapacity         int // ring buffer capacity in samples, per stream
	ReadTimeout          time.Duration
	MaxFramesPerCallback int
	MaxIOFailures        int // consecutive failed I/O cycles before a capture faults
	MaxSinkErrors        int // consecutive failed writes before the session faults
	AggregateName        string
	TapName              string
	SystemDevice         string // capture endpoint carrying system output, empty picks loopback or the default sink monitor
	TelemetryInterval    time.Duration
}

// ProcessingSettings holds the initial processing parameters. They can be
// changed at runtime through the control API.
type ProcessingSettings struct {
	MicNoiseReduction     int     // 0-10
	SpeakerNoiseReduction int     // 0-10
	MaxGateThreshold      float64 // amplitude gated at level 10
	MicrophoneVolume      float64 // 0-1
	SystemVolume          float64 // 0-1
	EchoCancellation      AECSettings
}

// AECSettings configures the NLMS echo canceller.
type AECSettings struct {
	Enabled             bool
	FilterLength        int
	StepSize            float64
	Regularization      float64
	MaxPendingReference int
}

// WebServerSettings controls the HTTP control surface.
type WebServerSettings struct {
	Enabled bool
	Listen  string // host:port
	Metrics bool   // expose /metrics
	Monitor bool   // expose the live audio websocket

	ControlRateLimit float64 // state-changing requests per second per client, 0 disables
	ControlBurst     int
}

// MicOwnerSettings controls detection of the application holding the microphone.
type MicOwnerSettings struct {
	Enabled         bool
	RefreshInterval time.Duration
}

// SentrySettings controls error telemetry. It is off unless a DSN is set.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

// Load reads settings into v, which may already carry bound flags. An empty
// configFile searches the default config paths and falls back to the
// built-in defaults when no file exists.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal-settings").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.New(err).
				Component(componentConf).
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		return nil
	}

	found, err := FindConfigFile()
	if err != nil {
		// built-in defaults only
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	v.SetConfigFile(found)
	if err := v.ReadInConfig(); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("config_file", found).
			Build()
	}
	return nil
}

// Dump renders settings as YAML.
func Dump(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, errors.New(err).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal-settings").
			Build()
	}
	return data, nil
}

// DefaultConfigYAML returns the commented default config file.
func DefaultConfigYAML() []byte {
	return append([]byte(nil), defaultConfigYAML...)
}

// WriteDefaultConfig writes the default config file to path, refusing to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component(componentConf).
			Category(errors.CategoryConflict).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if err := os.WriteFile(path, defaultConfigYAML, 0o600); err != nil {
		return errors.New(err).
			Component(componentConf).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}
