package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/meetrec/internal/logger"
)

// setDefaultConfig mirrors config.yaml so a missing file or a partial one
// still yields complete settings.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.max_size_kb", logger.DefaultMaxSizeKB)
	v.SetDefault("logging.file_output.max_rolls", logger.DefaultMaxRolls)
	v.SetDefault("logging.file_output.compress", logger.DefaultCompressLog)

	v.SetDefault("recording.outputpath", "recordings/meeting.wav")
	v.SetDefault("recording.microphone", true)
	v.SetDefault("recording.system", true)
	v.SetDefault("recording.mono", true)
	v.SetDefault("recording.bitdepth", 16)
	v.SetDefault("recording.duration", time.Duration(0))
	v.SetDefault("recording.restartonfault", true)
	v.SetDefault("recording.restartdelay", 2*time.Second)
	v.SetDefault("recording.minfreespacemb", 256)

	v.SetDefault("audio.samplerate", 48000)
	v.SetDefault("audio.periodms", 10)
	v.SetDefault("audio.chunkframes", 480)
	v.SetDefault("audio.ringcapacity", 2*48000*2)
	v.SetDefault("audio.readtimeout", 10*time.Millisecond)
	v.SetDefault("audio.maxframespercallback", 4096)
	v.SetDefault("audio.maxiofailures", 32)
	v.SetDefault("audio.maxsinkerrors", 10)
	v.SetDefault("audio.aggregatename", "meetrec-aggregate")
	v.SetDefault("audio.tapname", "meetrec-system-tap")
	v.SetDefault("audio.systemdevice", "")
	v.SetDefault("audio.telemetryinterval", time.Second)

	v.SetDefault("processing.micnoisereduction", 5)
	v.SetDefault("processing.speakernoisereduction", 5)
	v.SetDefault("processing.maxgatethreshold", 0.05)
	v.SetDefault("processing.microphonevolume", 1.0)
	v.SetDefault("processing.systemvolume", 1.0)
	v.SetDefault("processing.echocancellation.enabled", true)
	v.SetDefault("processing.echocancellation.filterlength", 512)
	v.SetDefault("processing.echocancellation.stepsize", 0.3)
	v.SetDefault("processing.echocancellation.regularization", 1e-6)
	v.SetDefault("processing.echocancellation.maxpendingreference", 48000)

	v.SetDefault("webserver.enabled", false)
	v.SetDefault("webserver.listen", "127.0.0.1:8787")
	v.SetDefault("webserver.metrics", true)
	v.SetDefault("webserver.monitor", true)
	v.SetDefault("webserver.controlratelimit", 5.0)
	v.SetDefault("webserver.controlburst", 10)

	v.SetDefault("micowner.enabled", true)
	v.SetDefault("micowner.refreshinterval", 2*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
