package conf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tphakala/meetrec/internal/errors"
)

// envBinding maps a short environment variable onto a config key. Every key
// is also reachable through its long MEETREC_SECTION_KEY form.
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "MEETREC_DEBUG", validateEnvBool},
		{"logging.default_level", "MEETREC_LOG_LEVEL", validateEnvLogLevel},
		{"recording.outputpath", "MEETREC_OUTPUT", validateEnvNonEmpty},
		{"recording.microphone", "MEETREC_MICROPHONE", validateEnvBool},
		{"recording.system", "MEETREC_SYSTEM_AUDIO", validateEnvBool},
		{"audio.samplerate", "MEETREC_SAMPLE_RATE", validateEnvPositiveInt},
		{"processing.echocancellation.enabled", "MEETREC_AEC", validateEnvBool},
		{"webserver.listen", "MEETREC_LISTEN", validateEnvListen},
		{"sentry.dsn", "MEETREC_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds the short variables and validates any that are set, so
// a typo surfaces at startup instead of as a silently ignored value.
func bindEnvVars(v *viper.Viper) error {
	var problems []string
	for _, b := range getEnvBindings() {
		longForm := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(b.ConfigKey, ".", "_"))
		if err := v.BindEnv(b.ConfigKey, longForm, b.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}

	if len(problems) > 0 {
		return errors.Newf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - ")).
			Component(componentConf).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("must not be blank")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	if !validLogLevel(value) {
		return fmt.Errorf("unknown log level")
	}
	return nil
}

func validateEnvListen(value string) error {
	if _, _, err := net.SplitHostPort(value); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}
