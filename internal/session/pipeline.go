package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/meetrec/internal/aggregate"
	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/audiocore/processors"
	"github.com/tphakala/meetrec/internal/capture"
	"github.com/tphakala/meetrec/internal/logger"
)

// stream is one capture source as the consumer sees it.
type stream struct {
	name     string
	capture  *capture.DeviceCapture
	channels int
	volume   *processors.Volume
	gate     *processors.NoiseGate

	buf      []float32 // one chunk as delivered
	expanded []float32 // mono chunk copied to every output channel
	last     capture.Stats
}

// read fills buf with one chunk, or with silence on underflow.
func (s *stream) read() bool {
	if s == nil {
		return false
	}
	if s.capture.Read(s.buf) {
		return true
	}
	clear(s.buf)
	return false
}

// samples returns the chunk laid out in outChannels.
func (s *stream) samples(outChannels int) []float32 {
	if s.channels == outChannels {
		return s.buf
	}
	for i, v := range s.buf {
		frame := s.expanded[i*outChannels : (i+1)*outChannels]
		for ch := range frame {
			frame[ch] = v
		}
	}
	return s.expanded
}

func (s *stream) stop() error {
	if s == nil {
		return nil
	}
	return s.capture.StopRecording()
}

func (s *stream) setPaused(paused bool) {
	if s != nil {
		s.capture.SetPaused(paused)
	}
}

func (s *stream) faults() <-chan capture.Fault {
	if s == nil {
		return nil
	}
	return s.capture.Faults()
}

// pipeline is everything one recording acquires. Fields are filled in
// acquisition order so a partially built pipeline can be torn down.
type pipeline struct {
	id         string
	outputPath string
	startedAt  time.Time
	format     audiocore.StreamFormat
	frames     int

	device    *aggregate.AggregateDevice
	tap       *aggregate.Tap
	mic       *stream
	sys       *stream
	sink      audiocore.FileSink
	processor audiocore.StreamProcessor

	out               []float32
	sinkFailures      int
	processorFailures int
	framesWritten     atomic.Int64
	sinkErrors        atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *pipeline) streams() []*stream {
	var out []*stream
	if p.mic != nil {
		out = append(out, p.mic)
	}
	if p.sys != nil {
		out = append(out, p.sys)
	}
	return out
}

func (p *pipeline) setPaused(paused bool) {
	p.mic.setPaused(paused)
	p.sys.setPaused(paused)
}

// stopWorkers cancels the consumer, fault watcher and telemetry goroutines
// and waits for them.
func (p *pipeline) stopWorkers() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.cancel = nil
}

// startWorkers launches the goroutines of a fully acquired pipeline.
func (c *Controller) startWorkers(p *pipeline) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Go(func() { c.consume(ctx, p) })
	p.wg.Go(func() { c.watchFaults(ctx, p) })
	p.wg.Go(func() { c.runTelemetry(ctx, p) })
}

// consume is the only reader of the capture rings and the only writer of
// the sink. Each read waits at most the capture read timeout, so the loop
// notices cancellation promptly.
func (c *Controller) consume(ctx context.Context, p *pipeline) {
	for ctx.Err() == nil {
		micOK := p.mic.read()
		sysOK := p.sys.read()
		if !c.acceptingAudio() {
			continue
		}
		c.processChunk(p, micOK, sysOK)
	}
}

func (c *Controller) acceptingAudio() bool {
	st := c.State()
	return st == StateRunning || st == StateInitializing
}

// processChunk runs one chunk through volume, gate, echo cancellation and
// the mixer and writes the result. A stream that underflowed contributes
// silence; if both did, nothing is written.
func (c *Controller) processChunk(p *pipeline, micOK, sysOK bool) {
	if !micOK && !sysOK {
		return
	}

	for _, s := range p.streams() {
		if (s == p.mic && !micOK) || (s == p.sys && !sysOK) {
			continue
		}
		s.volume.Apply(s.buf)
		gated := s.gate.Apply(s.buf)
		c.metrics.RecordChunk(s.name, gated, processors.Peak(s.buf))
	}

	if p.processor != nil {
		c.cancelEcho(p, micOK)
	}

	var out []float32
	switch {
	case p.mic != nil && p.sys != nil:
		processors.Mix(p.out, p.mic.samples(p.format.Channels), p.sys.samples(p.format.Channels))
		out = p.out
	case p.mic != nil:
		out = p.mic.samples(p.format.Channels)
	default:
		out = p.sys.samples(p.format.Channels)
	}

	c.write(p, out)
	c.monitor.publish(out, p.format.SampleRate, p.format.Channels)
}

// cancelEcho feeds the system chunk, silence included, as the far end and
// cleans the microphone chunk against it. The reference queue only drains
// through ProcessCaptureStream, so nothing is fed for a microphone chunk
// that underflowed; otherwise every underflow would leave a chunk of lag
// between the reference and the echo.
func (c *Controller) cancelEcho(p *pipeline, micOK bool) {
	if !micOK {
		return
	}
	rate := p.format.SampleRate
	err := p.processor.FeedReverseStream(p.sys.buf, rate, p.sys.channels, p.frames)
	if err == nil {
		err = p.processor.ProcessCaptureStream(p.mic.buf, rate, p.mic.channels, p.frames)
	}
	if err == nil {
		p.processorFailures = 0
		return
	}
	c.metrics.RecordProcessorError()
	p.processorFailures++
	if p.processorFailures == 1 {
		c.log.Warn("echo cancellation failed, passing microphone through",
			logger.String("session_id", p.id),
			logger.Error(err))
	}
}

func (c *Controller) write(p *pipeline, out []float32) {
	start := time.Now()
	err := p.sink.Write(out)
	c.metrics.RecordWrite(p.frames, err, time.Since(start).Seconds())
	if err == nil {
		p.sinkFailures = 0
		p.framesWritten.Add(int64(p.frames))
		return
	}

	p.sinkErrors.Add(1)
	p.sinkFailures++
	c.log.Error("failed to write audio chunk",
		logger.String("session_id", p.id),
		logger.String("path", p.outputPath),
		logger.Int("consecutive_failures", p.sinkFailures),
		logger.Error(err))
	if p.sinkFailures >= c.cfg.MaxSinkErrors {
		c.fault(Fault{
			SessionID: p.id,
			Stream:    "sink",
			Reason:    FaultSinkErrors,
			Err:       err,
			At:        time.Now(),
		})
	}
}

// watchFaults turns capture faults into a session fault.
func (c *Controller) watchFaults(ctx context.Context, p *pipeline) {
	micFaults, sysFaults := p.mic.faults(), p.sys.faults()
	for {
		var f capture.Fault
		select {
		case <-ctx.Done():
			return
		case f = <-micFaults:
		case f = <-sysFaults:
		}
		c.fault(Fault{
			SessionID: p.id,
			Stream:    f.CaptureID,
			Reason:    string(f.Reason),
			Err:       f.Err,
			At:        f.At,
		})
	}
}

func (c *Controller) runTelemetry(ctx context.Context, p *pipeline) {
	ticker := time.NewTicker(c.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportTelemetry(p)
		}
	}
}

// reportTelemetry exports counter deltas since the previous report. It
// runs on the telemetry goroutine while workers run and once more after
// they stopped.
func (c *Controller) reportTelemetry(p *pipeline) {
	paused := c.State() == StatePaused
	for _, s := range p.streams() {
		cur := s.capture.Stats()
		captured := cur.FramesCaptured - s.last.FramesCaptured
		dropped := cur.FramesDropped - s.last.FramesDropped
		overflows := cur.Ring.OverflowCount - s.last.Ring.OverflowCount
		underflows := cur.Ring.UnderflowCount - s.last.Ring.UnderflowCount
		s.last = cur

		c.metrics.RecordStreamDeltas(s.name, captured, dropped, overflows, underflows)
		c.metrics.SetRingOccupancy(s.name, cur.Ring.Occupied, cur.Ring.Capacity)

		if overflows > 0 || (underflows > 0 && !paused && captured > 0) {
			c.log.Warn("ring buffer pressure",
				logger.String("session_id", p.id),
				logger.String("stream", s.name),
				logger.Uint64("overflows", overflows),
				logger.Uint64("underflows", underflows),
				logger.Int("max_occupied", cur.Ring.MaxOccupied),
				logger.Int("capacity", cur.Ring.Capacity))
		}
	}
}
