// Package audiocore holds the types shared by the capture pipeline.
//
// Architecture overview:
//
//	hal.Backend I/O goroutine -> capture.DeviceCapture -> ringbuffer.RingBuffer
//	session consumer goroutine -> volume -> noise gate -> StreamProcessor -> mix -> FileSink
//
// Samples move through the pipeline as interleaved float32 in [-1, 1].
// Anything that runs on the real-time I/O goroutine (FrameHandler
// implementations in particular) must not block, allocate or log.
package audiocore
