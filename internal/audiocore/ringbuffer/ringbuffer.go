// Package ringbuffer implements the single-producer, single-consumer sample
// queue between the real-time I/O goroutine and the session consumer.
//
// Writes never block and never write partially: either every sample of a
// cycle is queued or the cycle is dropped and counted as an overflow. Reads
// wait a bounded time for data and count an underflow on timeout.
package ringbuffer

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/meetrec/internal/errors"
)

const (
	bytesPerSample = 4

	// DefaultReadTimeout bounds how long Read waits for a writer.
	DefaultReadTimeout = 10 * time.Millisecond

	minCapacity = 2
)

// Stats is a snapshot of the buffer telemetry.
type Stats struct {
	OverflowCount  uint64
	UnderflowCount uint64
	MaxOccupied    int
	Occupied       int
	Capacity       int
}

// Option configures a RingBuffer.
type Option func(*RingBuffer)

// WithReadTimeout overrides DefaultReadTimeout. Non-positive values make
// Read return immediately when data is short.
func WithReadTimeout(d time.Duration) Option {
	return func(rb *RingBuffer) {
		rb.readTimeout = d
	}
}

// RingBuffer is a fixed-capacity float32 queue. One slot is kept free to
// distinguish full from empty, so at most Capacity()-1 samples are queued.
type RingBuffer struct {
	mu      sync.Mutex
	storage *ringbuffer.RingBuffer
	scratch []byte

	capacity    int
	readCursor  int
	writeCursor int

	overflowCount  uint64
	underflowCount uint64
	maxOccupied    int

	readTimeout time.Duration
	// dataReady has room for one pending wake-up; writers never block on it.
	dataReady chan struct{}
}

// New creates a buffer holding up to capacity-1 samples.
func New(capacity int, opts ...Option) (*RingBuffer, error) {
	if capacity < minCapacity {
		return nil, errors.Newf("ring buffer capacity must be at least %d, got %d", minCapacity, capacity).
			Component("ringbuffer").
			Category(errors.CategoryValidation).
			Context("capacity", capacity).
			Build()
	}

	usable := capacity - 1
	rb := &RingBuffer{
		storage:     ringbuffer.New(usable * bytesPerSample),
		scratch:     make([]byte, usable*bytesPerSample),
		capacity:    capacity,
		readTimeout: DefaultReadTimeout,
		dataReady:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(rb)
	}
	return rb, nil
}

// Capacity returns the configured capacity, one more than the usable slots.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

func (rb *RingBuffer) occupiedLocked() int {
	return (rb.writeCursor - rb.readCursor + rb.capacity) % rb.capacity
}

// AvailableRead returns the number of queued samples.
func (rb *RingBuffer) AvailableRead() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.occupiedLocked()
}

// AvailableWrite returns the number of free slots.
func (rb *RingBuffer) AvailableWrite() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.capacity - 1 - rb.occupiedLocked()
}

// Write queues all of samples or nothing. It returns false and counts an
// overflow when fewer than len(samples) slots are free. It does not allocate
// and is safe to call from the real-time goroutine.
func (rb *RingBuffer) Write(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}

	rb.mu.Lock()
	free := rb.capacity - 1 - rb.occupiedLocked()
	if len(samples) > free {
		rb.overflowCount++
		rb.mu.Unlock()
		return false
	}

	buf := rb.scratch[:len(samples)*bytesPerSample]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(s))
	}
	// free was checked above so the write is never partial
	if _, err := rb.storage.Write(buf); err != nil {
		rb.overflowCount++
		rb.mu.Unlock()
		return false
	}

	rb.writeCursor = (rb.writeCursor + len(samples)) % rb.capacity
	if occupied := rb.occupiedLocked(); occupied > rb.maxOccupied {
		rb.maxOccupied = occupied
	}
	rb.mu.Unlock()

	select {
	case rb.dataReady <- struct{}{}:
	default:
	}
	return true
}

// Read fills dst completely or not at all. When fewer than len(dst) samples
// are queued it waits up to the read timeout for a writer; on timeout it
// counts an underflow and returns false without consuming anything.
func (rb *RingBuffer) Read(dst []float32) bool {
	if len(dst) == 0 {
		return true
	}
	if rb.tryRead(dst) {
		return true
	}
	if rb.readTimeout > 0 {
		timer := time.NewTimer(rb.readTimeout)
		defer timer.Stop()
		for {
			select {
			case <-rb.dataReady:
				if rb.tryRead(dst) {
					return true
				}
				continue
			case <-timer.C:
			}
			break
		}
		// a writer may have landed between the last wake-up and the deadline
		if rb.tryRead(dst) {
			return true
		}
	}

	rb.mu.Lock()
	rb.underflowCount++
	rb.mu.Unlock()
	return false
}

func (rb *RingBuffer) tryRead(dst []float32) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.occupiedLocked() < len(dst) {
		return false
	}
	buf := rb.scratch[:len(dst)*bytesPerSample]
	n, err := rb.storage.Read(buf)
	if err != nil || n != len(buf) {
		// storage and cursors disagree; treat as empty and resynchronize
		rb.resetLocked(false)
		return false
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*bytesPerSample:]))
	}
	rb.readCursor = (rb.readCursor + len(dst)) % rb.capacity
	return true
}

// Clear drops all queued samples and resets the telemetry counters.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.resetLocked(true)
}

func (rb *RingBuffer) resetLocked(counters bool) {
	rb.storage.Reset()
	rb.readCursor = 0
	rb.writeCursor = 0
	if counters {
		rb.overflowCount = 0
		rb.underflowCount = 0
		rb.maxOccupied = 0
	}
	select {
	case <-rb.dataReady:
	default:
	}
}

// Stats returns a consistent snapshot of the telemetry.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{
		OverflowCount:  rb.overflowCount,
		UnderflowCount: rb.underflowCount,
		MaxOccupied:    rb.maxOccupied,
		Occupied:       rb.occupiedLocked(),
		Capacity:       rb.capacity,
	}
}
