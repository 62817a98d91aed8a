package audiocore

// FrameHandler receives every completed I/O cycle of a capture.
//
// OnFrames runs on the real-time goroutine. samples is interleaved float32
// and only valid for the duration of the call.
type FrameHandler interface {
	OnFrames(samples []float32, frameCount int, ts Timestamp)
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(samples []float32, frameCount int, ts Timestamp)

// OnFrames calls f.
func (f FrameHandlerFunc) OnFrames(samples []float32, frameCount int, ts Timestamp) {
	f(samples, frameCount, ts)
}

// StreamProcessor is an echo-cancelling stage. The far-end (playback)
// signal is fed with FeedReverseStream before the matching near-end
// (microphone) chunk is cleaned in place by ProcessCaptureStream.
//
// Implementations must be fully constructed before first use.
type StreamProcessor interface {
	FeedReverseStream(samples []float32, sampleRate, channels, frameCount int) error
	ProcessCaptureStream(samples []float32, sampleRate, channels, frameCount int) error
	Close() error
}

// FileSink persists the mixed stream.
type FileSink interface {
	Open(path string, format StreamFormat) error
	Write(samples []float32) error
	Close() error
}
