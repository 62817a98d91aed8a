// Package export persists the mixed stream to disk.
package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/meetrec/internal/audiocore"
	"github.com/tphakala/meetrec/internal/errors"
)

const (
	componentExport = "export"

	// DefaultBitDepth is used when WAVSink is built with a zero bit depth.
	DefaultBitDepth = 16

	wavFormatPCM = 1
)

// WAVSink writes interleaved float32 samples as integer PCM WAV.
type WAVSink struct {
	bitDepth int

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	path   string
	frames int64
}

var _ audiocore.FileSink = (*WAVSink)(nil)

// NewWAVSink creates a sink writing bitDepth (16 or 24) bit samples.
func NewWAVSink(bitDepth int) (*WAVSink, error) {
	if bitDepth == 0 {
		bitDepth = DefaultBitDepth
	}
	if bitDepth != 16 && bitDepth != 24 {
		return nil, errors.Newf("unsupported WAV bit depth %d", bitDepth).
			Component(componentExport).
			Category(errors.CategoryValidation).
			Context("bit_depth", bitDepth).
			Build()
	}
	return &WAVSink{bitDepth: bitDepth}, nil
}

func fileError(err error, op, path string) error {
	return errors.New(err).
		Component(componentExport).
		Category(errors.CategoryFileIO).
		Context("operation", op).
		Context("path", path).
		Build()
}

// Open creates path, including missing parent directories. The encoder
// writes the header with the first Write, or on Close if nothing was written.
func (s *WAVSink) Open(path string, format audiocore.StreamFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return fileError(fmt.Errorf("sink already open on %s", s.path), "open", path)
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fileError(fmt.Errorf("invalid output format %s", format), "open", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError(fmt.Errorf("create output directory: %w", err), "mkdir", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fileError(fmt.Errorf("create output file: %w", err), "create", path)
	}

	s.file = f
	s.path = path
	s.frames = 0
	s.enc = wav.NewEncoder(f, format.SampleRate, s.bitDepth, format.Channels, wavFormatPCM)
	s.buf = &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		SourceBitDepth: s.bitDepth,
	}
	return nil
}

// Write converts samples to integer PCM, clipping to full scale. samples
// must hold whole frames.
func (s *WAVSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enc == nil {
		return fileError(fmt.Errorf("sink is not open"), "write", s.path)
	}
	channels := s.buf.Format.NumChannels
	if len(samples)%channels != 0 {
		return fileError(fmt.Errorf("%d samples is not a whole number of %d channel frames", len(samples), channels), "write", s.path)
	}

	scale := float64(int64(1)<<(s.bitDepth-1) - 1)
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	data := s.buf.Data[:len(samples)]
	for i, v := range samples {
		data[i] = int(math.Round(float64(max(-1, min(1, v))) * scale))
	}
	s.buf.Data = data

	if err := s.enc.Write(s.buf); err != nil {
		return fileError(fmt.Errorf("encode samples: %w", err), "write", s.path)
	}
	s.frames += int64(len(samples) / channels)
	return nil
}

// Frames returns the number of frames written since Open.
func (s *WAVSink) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Path returns the file being written, or the last one written.
func (s *WAVSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close finalizes the header and closes the file. Closing a sink that is
// not open is a no-op.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	var errs []error
	if s.frames == 0 {
		// an empty buffer makes the encoder emit the header and data chunk
		s.buf.Data = s.buf.Data[:0]
		if err := s.enc.Write(s.buf); err != nil {
			errs = append(errs, fmt.Errorf("write header: %w", err))
		}
	}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("finalize header: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	s.file, s.enc, s.buf = nil, nil, nil
	if len(errs) > 0 {
		return fileError(errors.Join(errs...), "close", s.path)
	}
	return nil
}
